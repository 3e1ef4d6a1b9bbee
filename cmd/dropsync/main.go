// cmd/dropsync is the terminal demo client for DropSync: it dials a
// relay, joins or creates a room, and drives session.Engine through an
// interactive readline console, showing file-transfer progress with
// mpb bars the way cmd/wormhole showed its own chunked transfers.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/dropsync/dropsync/internal/idgen"
	"github.com/dropsync/dropsync/pkg/models"
	"github.com/dropsync/dropsync/pkg/session"
	"github.com/dropsync/dropsync/pkg/signaling"
	"github.com/dropsync/dropsync/pkg/ui"
)

func main() {
	var (
		relayURL string
		room     string
		password string
	)
	flag.StringVar(&relayURL, "relay", "ws://127.0.0.1:8443/ws", "signaling relay websocket URL")
	flag.StringVar(&room, "room", "", "room id to join; a fresh one is generated if empty")
	flag.StringVar(&password, "password", "", "shared password; omit to run without authentication")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	if room == "" {
		room = idgen.NewRoomID()
	}

	console, err := ui.NewConsole(ui.C("dropsync> ", ui.CBold))
	if err != nil {
		fmt.Fprintln(os.Stderr, "console: ", err)
		os.Exit(1)
	}
	defer console.Close()

	localID := idgen.NewTransferID()
	ctx := context.Background()

	client, err := signaling.Dial(ctx, relayURL, localID, logger)
	if err != nil {
		console.Println(ui.C("failed to dial relay: "+err.Error(), ui.CRed))
		os.Exit(1)
	}
	defer client.Close()

	engine := session.NewEngine(client, logger)
	if password != "" {
		engine.SetPassword(password)
	}

	renderer := newRenderer(console, engine)
	engine.OnEvent(renderer.onEvent)

	if err := engine.Join(ctx, room); err != nil {
		console.Println(ui.C("failed to join room: "+err.Error(), ui.CRed))
		os.Exit(1)
	}

	console.Println(ui.C("room: ", ui.CBold) + room)
	console.Println("share this room id with your peer out of band; type /help for commands")

	runLoop(ctx, console, engine)

	_ = engine.Leave(ctx)
}

// renderer tracks per-transfer mpb bars so the terminal reflects
// session.Engine's Inspect snapshot as it evolves, without redrawing
// bars that already reached their previous progress value, following
// cmd/wormhole's newFileBar shape but keyed by transfer id instead of
// the single in-flight file wormhole assumed.
type renderer struct {
	console  *ui.Console
	engine   *session.Engine
	progress *mpb.Progress
	bars     map[string]*mpb.Bar

	lastPeerState string
	lastAuthState string
	seenPending   map[string]bool
	chatLen       int
}

func newRenderer(console *ui.Console, engine *session.Engine) *renderer {
	return &renderer{
		console:     console,
		engine:      engine,
		progress:    mpb.New(mpb.WithWidth(48), mpb.WithRefreshRate(150*time.Millisecond), mpb.WithOutput(os.Stderr)),
		bars:        make(map[string]*mpb.Bar),
		seenPending: make(map[string]bool),
	}
}

func (r *renderer) onEvent() {
	snap := r.engine.Inspect()

	if snap.Peer != nil && string(snap.Peer.ConnectionState) != r.lastPeerState {
		r.lastPeerState = string(snap.Peer.ConnectionState)
		r.console.Logln("peer " + snap.Peer.RemoteID + " is now " + r.lastPeerState)
	}
	if string(snap.AuthState) != r.lastAuthState {
		r.lastAuthState = string(snap.AuthState)
		r.console.Logln("auth: " + r.lastAuthState)
	}

	for _, t := range snap.Transfers {
		bar, ok := r.bars[t.ID]
		if !ok {
			bar = newFileBar(r.progress, t.Name, 100)
			r.bars[t.ID] = bar
		}
		bar.SetCurrent(int64(t.Progress))
	}

	for _, p := range snap.Pending {
		if !r.seenPending[p.ID] {
			r.seenPending[p.ID] = true
			r.console.Logf("incoming file %s (%s, %d bytes) — /accept %s or /decline %s", p.ID, p.Name, p.Size, p.ID, p.ID)
		}
	}

	if len(snap.Chat) > r.chatLen {
		for _, m := range snap.Chat[r.chatLen:] {
			if m.Origin == models.OriginRemote {
				r.console.Println(ui.C("peer: ", ui.CCyan) + m.Text)
			}
		}
		r.chatLen = len(snap.Chat)
	}
}

func runLoop(ctx context.Context, console *ui.Console, engine *session.Engine) {
	for {
		line, err := console.Readline()
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if !handleCommand(ctx, console, engine, line) {
				return
			}
			continue
		}
		if err := engine.SendChat(line); err != nil {
			console.Println(ui.C("chat: "+err.Error(), ui.CRed))
		}
	}
}

func handleCommand(ctx context.Context, console *ui.Console, engine *session.Engine, line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/help":
		console.Println("commands: /send <path>  /accept <id>  /decline <id>  /cancel <id>  /retry <id>  /status  /quit")
	case "/quit":
		return false
	case "/status":
		printStatus(console, engine.Inspect())
	case "/send":
		if len(fields) < 2 {
			console.Println("usage: /send <path>")
			break
		}
		sendFile(ctx, console, engine, fields[1])
	case "/accept":
		if len(fields) < 2 {
			console.Println("usage: /accept <id>")
			break
		}
		acceptFile(console, engine, fields[1])
	case "/decline":
		if len(fields) < 2 {
			console.Println("usage: /decline <id>")
			break
		}
		engine.DeclineFile(fields[1])
	case "/cancel":
		if len(fields) < 2 {
			console.Println("usage: /cancel <id>")
			break
		}
		engine.CancelTransfer(fields[1])
	case "/retry":
		if len(fields) < 2 {
			console.Println("usage: /retry <id>")
			break
		}
		if err := engine.RetrySend(ctx, fields[1]); err != nil {
			console.Println(ui.C("retry: "+err.Error(), ui.CRed))
		}
	default:
		console.Println("unrecognized command, try /help")
	}
	return true
}

func sendFile(ctx context.Context, console *ui.Console, engine *session.Engine, path string) {
	f, err := os.Open(path)
	if err != nil {
		console.Println(ui.C("send: "+err.Error(), ui.CRed))
		return
	}
	info, err := f.Stat()
	if err != nil {
		console.Println(ui.C("send: "+err.Error(), ui.CRed))
		_ = f.Close()
		return
	}

	id, err := engine.SendFile(ctx, filepath.Base(path), info.Size(), bufio.NewReader(f))
	if err != nil {
		console.Println(ui.C("send: "+err.Error(), ui.CRed))
		_ = f.Close()
		return
	}
	console.Println(fmt.Sprintf("sending %s as transfer %s", filepath.Base(path), id))
}

func acceptFile(console *ui.Console, engine *session.Engine, id string) {
	err := engine.AcceptFile(id, func(name string, payload []byte) error {
		out, err := os.Create(name)
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = out.Write(payload)
		return err
	})
	if err != nil {
		console.Println(ui.C("accept: "+err.Error(), ui.CRed))
		return
	}
	console.Println("saved " + id)
}

func printStatus(console *ui.Console, snap session.Snapshot) {
	ui.PrintPeerCard(console, snap)
	for _, t := range snap.Transfers {
		ui.PrintTransferLine(console, t.ID, t.Name, string(t.Direction), string(t.Status), t.Progress, t.Checksum)
	}
	for _, p := range snap.Pending {
		console.Println("pending: " + p.ID + " " + p.Name + " (" + strconv.FormatInt(p.Size, 10) + " bytes) — /accept or /decline")
	}
	for _, m := range snap.Chat {
		console.Println("[" + string(m.Origin) + "] " + m.Text)
	}
}

// newFileBar mirrors cmd/wormhole's per-file progress bar shape. The
// renderer creates one per transfer with total 100 and feeds it
// FileTransfer.Progress, which is a percentage, not a byte count.
func newFileBar(p *mpb.Progress, name string, total int64) *mpb.Bar {
	return p.New(total,
		mpb.BarStyle(),
		mpb.BarRemoveOnComplete(),
		mpb.PrependDecorators(
			decor.Name(name+" ", decor.WC{C: decor.DindentRight}),
			decor.CountersKibiByte("% .1f / % .1f"),
		),
		mpb.AppendDecorators(
			decor.Percentage(),
		),
	)
}
