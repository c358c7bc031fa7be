package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
)

// The pollers are the REST side of the single logical channel. The adaptive
// scheduler invokes them as the bodies of its CRITICAL sync tasks; they stay
// no-ops while the websocket is healthy and only hit the relay once
// FallbackActive flips.

// PollMessages fetches message events past the last cursor and injects them
// into the shared delivery path. Duplicates of frames the websocket already
// delivered are absorbed by the dedup window.
func (m *Manager) PollMessages(ctx context.Context) error {
	if m.rc == nil {
		return errors.New("transport: no relay client for polling")
	}
	if !m.FallbackActive() {
		return nil
	}

	m.mu.RLock()
	after := m.cursor
	m.mu.RUnlock()

	page, err := m.rc.Messages(ctx, after, m.opt.PollLimit)
	if err != nil {
		return fmt.Errorf("poll messages: %w", err)
	}

	fresh := 0
	for i := range page.Events {
		if m.Inject(&page.Events[i]) {
			fresh++
		}
	}
	if fresh > 0 {
		log.Printf("TRANSPORT: poll delivered %d/%d message events", fresh, len(page.Events))
	}

	if page.Cursor != "" {
		m.mu.Lock()
		m.cursor = page.Cursor
		m.mu.Unlock()
	}
	return nil
}

// PollCallCommands fetches pending call-signaling commands, injects them and
// acks each one. Acking a duplicate is fine — the relay treats the ack as
// idempotent — so the ack is sent whether or not Inject applied the frame.
func (m *Manager) PollCallCommands(ctx context.Context) error {
	if m.rc == nil {
		return errors.New("transport: no relay client for polling")
	}
	if !m.FallbackActive() {
		return nil
	}

	cmds, err := m.rc.CallCommands(ctx)
	if err != nil {
		return fmt.Errorf("poll call commands: %w", err)
	}

	for i := range cmds {
		m.Inject(&cmds[i])
		if err := m.rc.AckCallCommand(ctx, cmds[i].EventID); err != nil {
			// Unacked commands are redelivered next poll and absorbed by the
			// dedup window; log and move on.
			log.Printf("TRANSPORT: ack %s failed: %v", cmds[i].EventID, err)
		}
	}
	return nil
}
