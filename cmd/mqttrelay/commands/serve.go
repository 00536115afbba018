package commands

import (
	"context"
	"net/http"

	"github.com/erikarenhill/mqtt-multi-proxy/internal/admin"
)

// serveAdmin runs the admin HTTP server until ctx is cancelled.
func serveAdmin(ctx context.Context, addr string, srv *admin.Server) error {
	httpServer := &http.Server{Addr: addr, Handler: srv.Handler()}

	go func() {
		<-ctx.Done()
		_ = httpServer.Close()
	}()

	err := httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
