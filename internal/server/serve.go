package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/warptunnel/warp/internal/logging"
)

const shutdownGrace = 5 * time.Second

// ListenAndServe binds addr and serves the tunnel until ctx is cancelled.
// The public listener speaks HTTP/1.1 and cleartext HTTP/2; the tunnel
// handler itself is mounted behind a gin engine for request logging and
// panic recovery. On shutdown every client connection is closed, which
// resolves their pending requests with 503.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(logging.GinLogrusLogger(), logging.GinLogrusRecovery())
	engine.Any("/*path", gin.WrapH(s.Handler()))

	srv := &http.Server{
		Addr:    addr,
		Handler: h2c.NewHandler(engine, &http2.Server{}),
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		s.CloseAll()
		return nil
	})
	return group.Wait()
}
