package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/habittribe/tribe/app"
	"github.com/habittribe/tribe/model"
)

type connectionMsg struct {
	connected bool
}

type toastMsg model.Toast

type toastExpiredMsg struct {
	seq int
}

type postMsg model.PostNotification

type postDeletedMsg model.PostDeletedNotification

type postUpdatedMsg model.PostUpdatedNotification

type commentMsg model.CommentNotification

// outputMsg carries lines produced by a slash command.
type outputMsg struct {
	lines []string
}

type errMsg struct {
	err error
}

// bridge forwards app callbacks into the program. Events arrive on
// arbitrary goroutines; the update loop picks them up one at a time
// through waitForEvent.
type bridge struct {
	events chan tea.Msg
	unsubs []func()
}

func newBridge(a *app.App) *bridge {
	b := &bridge{events: make(chan tea.Msg, 256)}
	rt := a.Realtime
	b.unsubs = append(b.unsubs,
		rt.OnConnectionStateChange(func(connected bool) { b.send(connectionMsg{connected}) }),
		rt.OnNewPost(func(n model.PostNotification) { b.send(postMsg(n)) }),
		rt.OnPostDeleted(func(n model.PostDeletedNotification) { b.send(postDeletedMsg(n)) }),
		rt.OnPostUpdated(func(n model.PostUpdatedNotification) { b.send(postUpdatedMsg(n)) }),
		rt.OnNewComment(func(n model.CommentNotification) { b.send(commentMsg(n)) }),
		a.Session.Messages().Subscribe(func(t model.Toast) { b.send(toastMsg(t)) }),
	)
	return b
}

func (b *bridge) send(msg tea.Msg) {
	select {
	case b.events <- msg:
	default:
		// full; drop
	}
}

// waitForEvent is a tea.Cmd that blocks until the next app event.
func (b *bridge) waitForEvent() tea.Msg {
	return <-b.events
}

func (b *bridge) close() {
	for _, u := range b.unsubs {
		u()
	}
}
