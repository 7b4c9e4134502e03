package ui

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/BioHazard786/warplink/internal/peer"
	"github.com/BioHazard786/warplink/internal/transfer"
	"github.com/BioHazard786/warplink/internal/utils"
)

type Mode int

const (
	ModeSend Mode = iota
	ModeReceive
)

const refreshInterval = 100 * time.Millisecond

type (
	statusMsg peer.State
	finishMsg struct {
		ok   bool
		text string
	}
	refreshMsg time.Time
)

// TransferView is the live status line of one transfer: peer state, which
// download paths are open and a progress bar.
type TransferView struct {
	model     *transferModel
	program   *tea.Program
	cancelled chan struct{}
	exited    chan struct{}
	once      sync.Once
	opts      []tea.ProgramOption
}

type transferModel struct {
	mode       Mode
	name       string
	progress   *transfer.Progress
	directLink bool

	state    peer.State
	bar      progress.Model
	spinner  spinner.Model
	finished bool
	ok       bool
	result   string

	onCancel func()
}

// NewTransferView builds a view over p. directLink tells a receiver whether
// the record carries a hosted copy.
func NewTransferView(mode Mode, p *transfer.Progress, directLink bool) *TransferView {
	v := &TransferView{
		cancelled: make(chan struct{}),
		exited:    make(chan struct{}),
	}
	v.model = newTransferModel(mode, p, directLink)
	v.model.onCancel = func() { v.once.Do(func() { close(v.cancelled) }) }
	return v
}

func newTransferModel(mode Mode, p *transfer.Progress, directLink bool) *transferModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle

	return &transferModel{
		mode:       mode,
		name:       p.Name,
		progress:   p,
		directLink: directLink,
		state:      peer.Idle,
		bar: progress.New(
			progress.WithGradient(ProgressStart, ProgressEnd),
			progress.WithWidth(30),
			progress.WithoutPercentage(),
		),
		spinner: s,
	}
}

// RenderTo draws the view on w without reading the keyboard or trapping
// signals. Call it before Start.
func (v *TransferView) RenderTo(w io.Writer) *TransferView {
	v.opts = []tea.ProgramOption{tea.WithInput(nil), tea.WithOutput(w), tea.WithoutSignalHandler()}
	return v
}

// Start renders the view in the background.
func (v *TransferView) Start() {
	v.program = tea.NewProgram(v.model, v.opts...)
	go func() {
		defer close(v.exited)
		if _, err := v.program.Run(); err != nil {
			PrintError(fmt.Sprintf("ui: %v", err))
		}
	}()
}

// SetStatus reports a peer state change.
func (v *TransferView) SetStatus(s peer.State) {
	if v.program != nil {
		v.program.Send(statusMsg(s))
	}
}

// Finish prints a final line and stops the view.
func (v *TransferView) Finish(ok bool, text string) {
	if v.program == nil {
		return
	}
	v.program.Send(finishMsg{ok: ok, text: text})
	<-v.exited
}

// Stop tears the view down without a final line.
func (v *TransferView) Stop() {
	if v.program == nil {
		return
	}
	v.program.Quit()
	<-v.exited
}

// Cancelled is closed when the user presses q or ctrl+c.
func (v *TransferView) Cancelled() <-chan struct{} {
	return v.cancelled
}

func (m *transferModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, refresh())
}

func refresh() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return refreshMsg(t) })
}

func (m *transferModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.onCancel != nil {
				m.onCancel()
			}
			m.finished = true
			m.result = "cancelled"
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.bar.Width = max(10, min(30, msg.Width-60))

	case statusMsg:
		m.state = peer.State(msg)

	case finishMsg:
		m.finished = true
		m.ok = msg.ok
		m.result = msg.text
		return m, tea.Quit

	case refreshMsg:
		if !m.finished {
			return m, refresh()
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *transferModel) View() string {
	var b strings.Builder

	icon, verb := IconSend, "Sending"
	if m.mode == ModeReceive {
		icon, verb = IconReceive, "Receiving"
	}
	fmt.Fprintf(&b, "\n%s %s %s", icon, verb, BoldStyle.Render(m.name))
	if m.progress.Total > 0 {
		b.WriteString(MutedStyle.Render(" (" + utils.FormatSize(m.progress.Total) + ")"))
	}
	b.WriteString("\n\n")

	if m.finished {
		mark := SuccessStyle.Render(IconSuccess)
		if !m.ok {
			mark = ErrorStyle.Render(IconError)
		}
		fmt.Fprintf(&b, "%s %s\n", mark, m.result)
		return b.String()
	}

	fmt.Fprintf(&b, "%s %s\n", m.spinner.View(), m.statusLine())

	done := m.progress.Transferred()
	if done > 0 || m.state == peer.Connected {
		frac := m.progress.Fraction()
		fmt.Fprintf(&b, "  %s %5.1f%%", m.bar.ViewAs(frac), frac*100)
		if speed := m.progress.Speed(); speed > 0 {
			b.WriteString(MutedStyle.Render(" " + utils.FormatSpeed(speed)))
			if remaining := m.progress.Total - done; remaining > 0 {
				eta := time.Duration(float64(remaining) / speed * float64(time.Second))
				b.WriteString(MutedStyle.Render(" ETA " + utils.FormatDuration(eta)))
			}
		}
		b.WriteString("\n")
	}

	b.WriteString("\n" + MutedStyle.Render("Press q to cancel"))
	return b.String()
}

func (m *transferModel) statusLine() string {
	if m.mode == ModeSend {
		return SendStatus(m.state)
	}
	return DescribeDecision(transfer.Resolve(m.state, m.directLink))
}

// SendStatus is the sender-side text for a peer state.
func SendStatus(s peer.State) string {
	switch s {
	case peer.Idle, peer.Connecting:
		return "Preparing the offer..."
	case peer.SignalSent:
		return "Waiting for the receiver to open the link..."
	case peer.Connected:
		return "Peer connected, streaming"
	case peer.Failed:
		return "Peer connection failed"
	case peer.Closed:
		return "Peer connection closed"
	default:
		return s.String()
	}
}

// DescribeDecision is the receiver-side text for a fallback decision.
func DescribeDecision(d transfer.Decision) string {
	switch d.Action {
	case transfer.DirectOnly:
		return IconCloud + " Peer unavailable, using the direct link"
	case transfer.DirectPeerPending:
		return IconLink + " Direct link ready, peer " + d.PeerState.String() + "..."
	case transfer.DirectAndPeer:
		return IconPeer + " Peer connected, direct link standing by"
	case transfer.PeerOnly:
		return IconPeer + " Peer connected"
	case transfer.WaitForPeer:
		return IconWaiting + " Waiting for the sender (" + d.PeerState.String() + ")..."
	case transfer.Unavailable:
		return IconError + " Sender unreachable and no hosted copy"
	default:
		return d.Action.String()
	}
}
