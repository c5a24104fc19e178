// Package tui provides a terminal chat UI for a RepoManager session: the
// transcript, a request line, and the turn journal kept live from the store.
package tui

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/klubi/repomanager/internal/conversation"
	"github.com/klubi/repomanager/internal/session"
	"github.com/klubi/repomanager/internal/store"
	"github.com/klubi/repomanager/pkg/apis/v1alpha1"
)

// App is the chat UI. Requests typed into the input line run as session
// turns in the background; the journal table follows the store.
type App struct {
	app        *tview.Application
	pages      *tview.Pages
	header     *tview.TextView
	footer     *tview.TextView
	transcript *tview.TextView
	table      *tview.Table
	input      *tview.InputField
	detailView *tview.TextView
	layout     *tview.Flex

	session *session.Session
	store   store.Store

	// Cached journal from the last refresh.
	turns   []*v1alpha1.TurnRecord
	lastErr error
	busy    bool

	mu sync.Mutex

	// describeOpen tracks whether the describe panel is visible.
	describeOpen bool
}

// NewApp creates a chat UI bound to sess. Turns are journaled to st, which
// the UI watches.
func NewApp(sess *session.Session, st store.Store) *App {
	a := &App{
		app:     tview.NewApplication(),
		session: sess,
		store:   st,
	}

	// -- Header --
	a.header = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	a.header.SetBackgroundColor(tcell.ColorDarkBlue)

	// -- Footer --
	a.footer = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	a.footer.SetBackgroundColor(tcell.ColorDarkBlue)

	// -- Transcript --
	a.transcript = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWrap(true).
		SetWordWrap(true)
	a.transcript.SetBorder(true).
		SetTitle(" Conversation ").
		SetBorderColor(tcell.ColorDodgerBlue)

	// -- Journal table --
	a.table = tview.NewTable().
		SetSelectable(true, false).
		SetFixed(1, 0).
		SetSeparator(tview.Borders.Vertical)
	a.table.SetBorder(true).SetTitle(" Turns ")

	// -- Request input --
	a.input = tview.NewInputField().
		SetLabel(fmt.Sprintf(" Request (type '%s' to exit): ", sess.ExitKeyword())).
		SetFieldBackgroundColor(tcell.ColorBlack).
		SetLabelColor(tcell.ColorYellow)
	a.input.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEnter {
			a.submit(a.input.GetText())
		}
	})

	// -- Detail / Describe view --
	a.detailView = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWrap(true)
	a.detailView.SetBorder(true).
		SetTitle(" Describe ").
		SetBorderColor(tcell.ColorDodgerBlue)

	// contentFlex holds the transcript and the journal (and optionally the
	// detail panel).
	contentFlex := tview.NewFlex().SetDirection(tview.FlexColumn).
		AddItem(a.transcript, 0, 3, false).
		AddItem(a.table, 0, 2, false)
	a.layout = contentFlex

	mainFlex := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(a.header, 1, 0, false).
		AddItem(contentFlex, 0, 1, false).
		AddItem(a.input, 1, 0, true).
		AddItem(a.footer, 1, 0, false)

	a.pages = tview.NewPages().
		AddPage("main", mainFlex, true, true)

	a.updateHeader()
	a.updateFooter()
	a.updateTranscript()
	a.setupKeyBindings()

	a.app.SetRoot(a.pages, true).SetFocus(a.input)

	return a
}

// Run watches the journal and runs the UI event loop until the user quits.
func (a *App) Run() error {
	a.refresh()
	a.updateTable()

	events, cancel := a.store.Watch(store.ScopePrefix(v1alpha1.KindTurnRecord, a.session.ID()))
	defer cancel()
	go func() {
		for range events {
			a.refresh()
			a.app.QueueUpdateDraw(a.updateTable)
		}
	}()

	return a.app.Run()
}

// ---------------------------------------------------------------------------
// Key bindings
// ---------------------------------------------------------------------------

func (a *App) setupKeyBindings() {
	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if a.describeOpen && event.Key() == tcell.KeyEscape {
			a.hideDescribe()
			return nil
		}

		switch event.Key() {
		case tcell.KeyCtrlC:
			a.app.Stop()
			return nil
		case tcell.KeyTab:
			if a.app.GetFocus() == a.input {
				a.app.SetFocus(a.table)
			} else {
				a.app.SetFocus(a.input)
			}
			return nil
		case tcell.KeyEnter:
			if a.app.GetFocus() == a.table {
				a.showDescribe()
				return nil
			}
		case tcell.KeyRune:
			if a.app.GetFocus() != a.table {
				return event
			}
			switch event.Rune() {
			case 'q':
				a.app.Stop()
				return nil
			case 'j':
				row, _ := a.table.GetSelection()
				if row < a.table.GetRowCount()-1 {
					a.table.Select(row+1, 0)
				}
				return nil
			case 'k':
				row, _ := a.table.GetSelection()
				if row > 1 {
					a.table.Select(row-1, 0)
				}
				return nil
			}
		}
		return event
	})
}

// ---------------------------------------------------------------------------
// Turns
// ---------------------------------------------------------------------------

// submit runs line as a turn without blocking the event loop.
func (a *App) submit(line string) {
	if a.session.IsExit(line) {
		a.app.Stop()
		return
	}
	if strings.TrimSpace(line) == "" {
		return
	}

	a.mu.Lock()
	if a.busy {
		a.mu.Unlock()
		return
	}
	a.busy = true
	a.mu.Unlock()

	a.input.SetText("")
	a.updateHeader()
	a.updateTranscript()

	go func() {
		_, err := a.session.Handle(context.Background(), line)

		a.mu.Lock()
		a.busy = false
		a.lastErr = err
		a.mu.Unlock()

		a.app.QueueUpdateDraw(func() {
			a.updateHeader()
			a.updateTranscript()
		})
	}()
}

func (a *App) refresh() {
	turns, err := session.Turns(a.store, a.session.ID())
	a.mu.Lock()
	if err == nil {
		a.turns = turns
	}
	a.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Rendering
// ---------------------------------------------------------------------------

func (a *App) updateTranscript() {
	text := renderTranscript(a.session.History())

	a.mu.Lock()
	busy := a.busy
	a.mu.Unlock()
	if busy {
		text += "\n[gray]thinking...[-]"
	}

	a.transcript.SetText(text)
	a.transcript.ScrollToEnd()
}

// renderTranscript formats history entries with tview color tags.
func renderTranscript(entries []conversation.Entry) string {
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteString("\n")
		}
		text := tview.Escape(strings.TrimSpace(e.Text))
		switch e.Role {
		case conversation.RoleUser:
			fmt.Fprintf(&b, "[yellow::b]You:[-::-] %s\n", text)
		case conversation.RoleAgent:
			fmt.Fprintf(&b, "[green::b]%s:[-::-]\n%s\n", tview.Escape(e.Agent), text)
		default:
			fmt.Fprintf(&b, "[red]%s[-]\n", text)
		}
	}
	return b.String()
}

func (a *App) updateTable() {
	a.table.Clear()

	headers := []string{"#", "AGENT", "HANDOFFS", "TOOLS", "STATUS", "AGE"}
	for col, h := range headers {
		cell := tview.NewTableCell(h).
			SetTextColor(tcell.ColorWhite).
			SetBackgroundColor(tcell.ColorDarkCyan).
			SetAttributes(tcell.AttrBold).
			SetSelectable(false).
			SetExpansion(1)
		a.table.SetCell(0, col, cell)
	}

	a.mu.Lock()
	turns := a.turns
	a.mu.Unlock()

	for i, t := range turns {
		row := turnRow(t)
		for col, v := range row {
			cell := tview.NewTableCell(v).SetExpansion(1)
			if col == 4 {
				cell.SetTextColor(statusColor(v))
			}
			a.table.SetCell(i+1, col, cell)
		}
	}
	if a.table.GetRowCount() > 1 {
		a.table.Select(a.table.GetRowCount()-1, 0)
	}
}

// turnRow is the table row for a journaled turn.
func turnRow(t *v1alpha1.TurnRecord) []string {
	status := "OK"
	if t.Error != "" {
		status = "Failed"
	}
	return []string{
		fmt.Sprintf("%d", t.Seq),
		t.Agent,
		fmt.Sprintf("%d", len(t.Handoffs)),
		fmt.Sprintf("%d", len(t.Tools)),
		status,
		formatAge(t.Started),
	}
}

func (a *App) showDescribe() {
	row, _ := a.table.GetSelection()

	a.mu.Lock()
	turns := a.turns
	a.mu.Unlock()
	if row < 1 || row > len(turns) {
		return
	}

	a.detailView.SetText(formatTurnDescribe(turns[row-1]))
	if !a.describeOpen {
		a.layout.AddItem(a.detailView, 0, 2, false)
		a.describeOpen = true
	}
}

func (a *App) hideDescribe() {
	if a.describeOpen {
		a.layout.RemoveItem(a.detailView)
		a.describeOpen = false
		a.app.SetFocus(a.table)
	}
}

func formatTurnDescribe(t *v1alpha1.TurnRecord) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("[::b]Turn:[-::-]      %d\n", t.Seq))
	b.WriteString(fmt.Sprintf("[::b]UID:[-::-]       %s\n", t.Metadata.UID))
	b.WriteString(fmt.Sprintf("[::b]Agent:[-::-]     %s\n", t.Agent))
	b.WriteString(fmt.Sprintf("[::b]Rounds:[-::-]    %d\n", t.Rounds))
	b.WriteString(fmt.Sprintf("[::b]Duration:[-::-]  %s\n", t.Finished.Sub(t.Started).Round(time.Millisecond)))
	b.WriteString(fmt.Sprintf("[::b]Input:[-::-]     %s\n", tview.Escape(t.Input)))

	if len(t.Handoffs) > 0 {
		b.WriteString("\n[::b]Handoffs:[-::-]\n")
		for _, h := range t.Handoffs {
			b.WriteString(fmt.Sprintf("  %s -> %s\n", h.From, h.To))
		}
	}
	if len(t.Tools) > 0 {
		b.WriteString("\n[::b]Tool calls:[-::-]\n")
		for _, tc := range t.Tools {
			mark := "[green]ok[-]"
			if tc.IsError {
				mark = "[red]error[-]"
			}
			b.WriteString(fmt.Sprintf("  %s %s (%s)\n", tc.Agent, tc.Name, mark))
		}
	}
	if t.Error != "" {
		b.WriteString(fmt.Sprintf("\n[::b]Error:[-::-]\n[red]%s[-]\n", tview.Escape(t.Error)))
	} else {
		b.WriteString(fmt.Sprintf("\n[::b]Output:[-::-]\n%s\n", tview.Escape(t.Output)))
	}
	return b.String()
}

// ---------------------------------------------------------------------------
// Header & Footer
// ---------------------------------------------------------------------------

func (a *App) updateHeader() {
	a.mu.Lock()
	busy := a.busy
	err := a.lastErr
	a.mu.Unlock()

	active := a.session.Active()
	if active == "" {
		active = "-"
	}
	state := "[green]ready[-]"
	switch {
	case busy:
		state = "[yellow]working[-]"
	case err != nil:
		state = fmt.Sprintf("[red]error: %s[-]", tview.Escape(err.Error()))
	}

	a.header.SetText(fmt.Sprintf(" [::b]RepoManager[::-] | session %s | agent [::b]%s[::-] | %s",
		shortID(a.session.ID()), active, state))
}

func (a *App) updateFooter() {
	a.footer.SetText(" [yellow]<enter>[white]Send/Describe  [yellow]<tab>[white]Switch pane  [yellow]<j/k>[white]Move  [yellow]<esc>[white]Back  [yellow]<ctrl-c>[white]Quit")
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// formatAge returns a human-readable duration string since the given time.
func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}

	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

// statusColor returns the tcell color for a turn status.
func statusColor(status string) tcell.Color {
	if status == "Failed" {
		return tcell.ColorRed
	}
	return tcell.ColorGreen
}
