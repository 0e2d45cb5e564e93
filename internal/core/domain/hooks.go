package domain

// Hooks are optional caller callbacks. A nil field is a no-op.
// Hooks may be invoked from any goroutine and must not block.
type Hooks struct {
	OnViewerJoined          func(ViewerID)
	OnViewerLeft            func(ViewerID)
	OnStreamStarted         func(*BroadcastSession)
	OnStreamEnded           func(*BroadcastSession)
	OnError                 func(error)
	OnConnectionStateChange func(ConnectionState)
	OnQualityChange         func(string)
}

func (h *Hooks) ViewerJoined(id ViewerID) {
	if h != nil && h.OnViewerJoined != nil {
		h.OnViewerJoined(id)
	}
}

func (h *Hooks) ViewerLeft(id ViewerID) {
	if h != nil && h.OnViewerLeft != nil {
		h.OnViewerLeft(id)
	}
}

func (h *Hooks) StreamStarted(s *BroadcastSession) {
	if h != nil && h.OnStreamStarted != nil {
		h.OnStreamStarted(s)
	}
}

func (h *Hooks) StreamEnded(s *BroadcastSession) {
	if h != nil && h.OnStreamEnded != nil {
		h.OnStreamEnded(s)
	}
}

func (h *Hooks) Error(err error) {
	if h != nil && h.OnError != nil && err != nil {
		h.OnError(err)
	}
}

func (h *Hooks) ConnectionStateChange(state ConnectionState) {
	if h != nil && h.OnConnectionStateChange != nil {
		h.OnConnectionStateChange(state)
	}
}

// QualityChange reports a new quality tier (broadcaster) or rendition name (viewer).
func (h *Hooks) QualityChange(quality string) {
	if h != nil && h.OnQualityChange != nil {
		h.OnQualityChange(quality)
	}
}
