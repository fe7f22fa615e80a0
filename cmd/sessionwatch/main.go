// Command sessionwatch follows one session from a terminal, printing each
// member's share whenever the session changes. It can also claim or unclaim
// an item as a given member.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"connectrpc.com/connect"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/kebo-ai/billsplit/internal/api"
	"github.com/kebo-ai/billsplit/internal/auth"
	"github.com/kebo-ai/billsplit/internal/middleware"
	"github.com/kebo-ai/billsplit/internal/sessioncache"
	"github.com/kebo-ai/billsplit/pkg/logging"
)

const tokenDuration = 12 * time.Hour

func main() {
	_ = godotenv.Load()
	logging.Configure(os.Stderr, os.Getenv("LOG_FORMAT"), logging.ParseLevel(os.Getenv("LOG_LEVEL")))

	addr := flag.String("addr", "http://localhost:8080", "server base URL")
	sessionID := flag.String("session", "", "session to follow (required)")
	fingerprint := flag.String("fingerprint", os.Getenv("DEVICE_FINGERPRINT"), "device fingerprint")
	secret := flag.String("secret", os.Getenv("JWT_SECRET"), "mint a device token with this secret instead of sending the fingerprint header")
	member := flag.String("member", "", "member id for -claim and -unclaim")
	claim := flag.String("claim", "", "item id to claim once the session is loaded")
	unclaim := flag.String("unclaim", "", "item id to unclaim once the session is loaded")
	flag.Parse()

	if *sessionID == "" {
		fmt.Fprintln(os.Stderr, "-session is required")
		flag.Usage()
		os.Exit(2)
	}
	if (*claim != "" || *unclaim != "") && *member == "" {
		fmt.Fprintln(os.Stderr, "-member is required with -claim or -unclaim")
		os.Exit(2)
	}

	creds, err := credentials(*fingerprint, *secret)
	if err != nil {
		slog.Error("Failed to create device credentials", "error", err)
		os.Exit(1)
	}

	client := api.NewSessionServiceClient(http.DefaultClient, *addr, connect.WithInterceptors(creds))
	cache := sessioncache.New(*sessionID, sessioncache.NewConnectBackend(client))

	w := &watcher{
		cache:    cache,
		memberID: *member,
		claim:    *claim,
		unclaim:  *unclaim,
	}
	if err := w.run(); err != nil {
		slog.Error("Session watch failed", "error", err)
		os.Exit(1)
	}
}

// credentials builds the client interceptor that identifies this device.
func credentials(fingerprint, secret string) (connect.Interceptor, error) {
	if fingerprint == "" {
		return nil, errors.New("a device fingerprint is required")
	}
	if secret == "" {
		return middleware.DeviceCredentials(fingerprint, ""), nil
	}
	token, err := auth.NewJWTManager(secret, tokenDuration).Generate(fingerprint)
	if err != nil {
		return nil, err
	}
	return middleware.DeviceCredentials("", token), nil
}

type watcher struct {
	cache    *sessioncache.Cache
	memberID string
	claim    string
	unclaim  string
}

func (w *watcher) run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer w.cache.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.cache.Run(gctx)
	})
	g.Go(func() error {
		edited := false
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-w.cache.Updates():
			}

			snap := w.cache.Snapshot()
			if snap == nil {
				continue
			}
			if err := render(os.Stdout, snap, w.cache.State(), w.cache.Optimistic()); err != nil {
				return err
			}

			if !edited && (w.claim != "" || w.unclaim != "") {
				edited = true
				g.Go(func() error {
					w.edit(gctx)
					return nil
				})
			}
		}
	})

	return g.Wait()
}

// edit applies the requested claim changes. Failures are rolled back by the
// cache and only logged here.
func (w *watcher) edit(ctx context.Context) {
	if w.claim != "" {
		if err := w.cache.Claim(ctx, w.claim, w.memberID); err != nil {
			slog.Error("Claim failed", "item_id", w.claim, "error", err, "kind", api.KindOf(err))
		}
	}
	if w.unclaim != "" {
		if err := w.cache.Unclaim(ctx, w.unclaim, w.memberID); err != nil {
			slog.Error("Unclaim failed", "item_id", w.unclaim, "error", err, "kind", api.KindOf(err))
		}
	}
}
