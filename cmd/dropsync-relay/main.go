// cmd/dropsync-relay runs the rendezvous relay spec §6.1 describes: a
// websocket fan-out that lets two browser endpoints sharing a room id
// exchange offer/answer/candidate signals without either side needing
// a public address. It never terminates the peer transport itself and
// forgets a room the instant both members are gone.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dropsync/dropsync/pkg/server"
)

const (
	pingPeriod = 10 * time.Second
	pongWait   = 5 * time.Second
)

func main() {
	var (
		listen        string
		rateReqWindow time.Duration
		rateMaxReqs   int
		rateFailWin   time.Duration
		rateMaxFails  int
	)
	flag.StringVar(&listen, "listen", ":8443", "http listen address")
	flag.DurationVar(&rateReqWindow, "rate-req-window", time.Minute, "per-IP request rate window")
	flag.IntVar(&rateMaxReqs, "rate-max-reqs", 240, "max requests per IP within req-window")
	flag.DurationVar(&rateFailWin, "rate-fail-window", 10*time.Minute, "per-IP failures window")
	flag.IntVar(&rateMaxFails, "rate-max-fails", 60, "max failures per IP within fail-window")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	hub := NewHub(logger)
	limiter := server.NewIPLimiter(rateReqWindow, rateMaxReqs, rateFailWin, rateMaxFails)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ip := server.ClientIP(r)
		if ok, wait := limiter.Allow(ip, time.Now()); !ok {
			w.Header().Set("Retry-After", wait.String())
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}

		id := r.URL.Query().Get("id")
		if id == "" {
			limiter.RecordFail(ip, time.Now())
			http.Error(w, "missing id", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			limiter.RecordFail(ip, time.Now())
			logger.Warn("relay: upgrade failed", "error", err, "ip", ip)
			return
		}
		logger.Info("relay: connection accepted", "id", id, "ip", ip)
		go func() {
			startPing(conn)
			hub.Register(conn, id)
		}()
	})

	handler := server.LogRequests(mux)

	srv := &http.Server{
		Addr:         listen,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		logger.Info("relay: listening", "addr", listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("relay: server exited", "error", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("relay: shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

// startPing keeps one background ping ticking on conn for the lifetime
// of the connection; the read loop in Hub.Register owns the read
// deadline that these pings refresh via the pong handler.
func startPing(conn *websocket.Conn) {
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for range ticker.C {
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pongWait)); err != nil {
				return
			}
		}
	}()
}
