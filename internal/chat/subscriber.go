package chat

import (
	"time"

	"moplaychat/internal/feed"
	"moplaychat/internal/models"
)

// subscribeMessages opens the single INSERT subscription on the message
// table, releasing any prior handle first. Self-originated events are kept:
// the sender's own bubble is rendered from the persisted row coming back,
// never from local state.
func (m *Manager) subscribeMessages() {
	if m.msgHandle != nil {
		_ = m.msgHandle.Close()
		m.msgHandle = nil
	}
	handle, err := m.feed.Subscribe(feed.TableMessages, feed.SubscribeOptions{
		Types: []feed.Type{feed.Insert},
	})
	if err != nil {
		m.log.Warn().Err(err).Msg("message subscription failed, relying on periodic reload")
		return
	}
	m.msgHandle = handle
}

// subscribePresence opens the single all-events subscription on the
// presence table. Own writes are excluded: the client already refreshes
// the list after its own announcements, and its heartbeat would otherwise
// wake the debounce constantly.
func (m *Manager) subscribePresence() {
	if m.presHandle != nil {
		_ = m.presHandle.Close()
		m.presHandle = nil
	}
	handle, err := m.feed.Subscribe(feed.TablePresence, feed.SubscribeOptions{
		ExcludeOrigin: m.origin,
	})
	if err != nil {
		m.log.Warn().Err(err).Msg("presence subscription failed, relying on periodic refresh")
		return
	}
	m.presHandle = handle
}

func (m *Manager) releaseHandles() {
	if m.msgHandle != nil {
		_ = m.msgHandle.Close()
		m.msgHandle = nil
	}
	if m.presHandle != nil {
		_ = m.presHandle.Close()
		m.presHandle = nil
	}
}

func (m *Manager) handleMessageEvent(event *feed.Event) {
	var msg models.ChatMessage
	if err := event.UnmarshalPayload(&msg); err != nil {
		m.log.Warn().Err(err).Msg("message event decode failed")
		return
	}
	m.onIncoming(&msg)
}

// scheduleListRefresh debounces presence change bursts into one full list
// re-read. The push payload is never merged directly; its consistency
// relative to a fresh read is not guaranteed.
func (m *Manager) scheduleListRefresh() {
	if m.debounce == nil {
		m.debounce = time.NewTimer(m.opts.PresenceDebounce)
		return
	}
	if !m.debounce.Stop() {
		select {
		case <-m.debounce.C:
		default:
		}
	}
	m.debounce.Reset(m.opts.PresenceDebounce)
}
