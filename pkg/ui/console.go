// Package ui wraps readline into the thread-safe console the CLI demo
// prints status lines and progress through, adapted from
// Metaphorme-wormhole's pkg/ui console but retargeted at DropSync's
// session.Snapshot instead of libp2p peer IDs and multiaddrs.
package ui

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"

	"github.com/dropsync/dropsync/pkg/session"
)

var colorEnabled = os.Getenv("NO_COLOR") == ""

// C wraps s in the given ANSI code, unless NO_COLOR is set.
func C(s, code string) string {
	if !colorEnabled {
		return s
	}
	return code + s + "\x1b[0m"
}

const (
	CBold  = "\x1b[1m"
	CDim   = "\x1b[2m"
	CCyan  = "\x1b[36m"
	CYel   = "\x1b[33m"
	CGreen = "\x1b[32m"
	CRed   = "\x1b[31m"
)

// Console wraps a readline instance with mutex-protected output, so
// status lines printed from background goroutines never interleave
// with an in-progress prompt.
type Console struct {
	rl            *readline.Instance
	mu            sync.Mutex
	defaultPrompt string
}

// NewConsole constructs a Console with the given default prompt.
func NewConsole(prompt string) (*Console, error) {
	rl, err := readline.New(prompt)
	if err != nil {
		return nil, err
	}
	return &Console{rl: rl, defaultPrompt: prompt}, nil
}

// Close releases the underlying readline instance.
func (c *Console) Close() { _ = c.rl.Close() }

// SetPrompt changes the prompt and redraws it.
func (c *Console) SetPrompt(p string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rl.SetPrompt(p)
	c.rl.Refresh()
}

// ResetPrompt restores the default prompt set at construction.
func (c *Console) ResetPrompt() { c.SetPrompt(c.defaultPrompt) }

// Println prints a line above the current prompt without disturbing
// whatever the user has typed so far.
func (c *Console) Println(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = c.rl.Stdout().Write([]byte("\r" + msg + "\n"))
	c.rl.Refresh()
}

// Logln prints msg prefixed with a dimmed timestamp.
func (c *Console) Logln(msg string) { c.Println(C(ts(), CDim) + " " + msg) }

// Logf is Logln with fmt.Sprintf formatting.
func (c *Console) Logf(format string, a ...any) {
	c.Println(C(ts(), CDim) + " " + fmt.Sprintf(format, a...))
}

// PromptQuestionAndRestore sets a question prompt and returns a
// closure that restores the previous default.
func (c *Console) PromptQuestionAndRestore(q string) func() {
	c.SetPrompt(q)
	return func() { c.ResetPrompt() }
}

// Readline reads a single line of input.
func (c *Console) Readline() (string, error) { return c.rl.Readline() }

func ts() string { return time.Now().Format("15:04:05") }

// PrintPeerCard prints a connection summary for peer, drawn from the
// most recent Snapshot after a transport reaches connected.
func PrintPeerCard(c *Console, snap session.Snapshot) {
	if snap.Peer == nil {
		return
	}
	c.Println(C("┌─ Peer ────────────────────────────────────────────┐", CBold))
	c.Println("  id      : " + C(snap.Peer.RemoteID, CCyan))
	c.Println("  state   : " + string(snap.Peer.ConnectionState))
	if snap.Peer.IP != "" {
		c.Println("  address : " + snap.Peer.IP)
	}
	if snap.Peer.LatencyMS != nil {
		c.Println(fmt.Sprintf("  rtt     : %.1fms", *snap.Peer.LatencyMS))
	}
	c.Println("  auth    : " + string(snap.AuthState))
	c.Println(C("└─────────────────────────────────────────────────────┘", CBold))
}

// PrintTransferLine prints a one-line progress summary for a
// FileTransfer, suitable for a plain (non-mpb) fallback renderer.
// checksum is the sender's debug xxh3 digest, empty if not yet known
// (in flight, or receiver-side, which never computes one).
func PrintTransferLine(c *Console, id, name string, direction, status string, progress int, checksum string) {
	bar := strings.Repeat("#", progress/5) + strings.Repeat("-", 20-progress/5)
	line := fmt.Sprintf("  [%s] %-20s %3d%% %s (%s)", bar, name, progress, status, direction)
	if checksum != "" {
		line += " xxh3:" + checksum
	}
	c.Println(line)
}

// AskYesNo prompts question and waits up to timeout for a y/n answer,
// returning defaultNo's negation if the timeout elapses.
func AskYesNo(c *Console, question string, timeout time.Duration, defaultNo bool) bool {
	restore := c.PromptQuestionAndRestore(question)
	defer restore()

	ansCh := make(chan string, 1)
	go func() {
		line, err := c.Readline()
		if err != nil {
			ansCh <- ""
			return
		}
		ansCh <- strings.TrimSpace(line)
	}()
	select {
	case a := <-ansCh:
		al := strings.ToLower(a)
		return al == "y" || al == "yes"
	case <-time.After(timeout):
		c.Println("")
		return !defaultNo
	}
}
