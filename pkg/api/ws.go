package api

import "net/http"

// handleEvents streams dispatcher events over a websocket until the client
// goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Event stream upgrade failed")
		return
	}
	defer conn.Close()

	sub := s.dispatcher.Broker.Subscribe()
	defer s.dispatcher.Broker.Unsubscribe(sub)

	// drain client frames so pings and closes are processed
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case event, ok := <-sub:
			if !ok {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
