package handlers

// Provider wires all HTTP handlers for dependency injection.
type Provider struct {
	Message    *MessageHandler
	Transcript *TranscriptHandler
	Feed       *FeedHandler
	Session    *SessionHandler
}

// NewProvider groups the constructed handlers.
func NewProvider(
	message *MessageHandler,
	transcript *TranscriptHandler,
	feed *FeedHandler,
	session *SessionHandler,
) *Provider {
	return &Provider{
		Message:    message,
		Transcript: transcript,
		Feed:       feed,
		Session:    session,
	}
}
