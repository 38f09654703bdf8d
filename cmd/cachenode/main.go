// Command cachenode runs one member of the clustered cache.
//
// The node serves the cluster API on NODE_LISTEN (/cluster/function for
// peer requests, /cluster/view for registry pushes, /health for probes),
// registers with the membership registry at REGISTRY_ADDR and, when
// NODE_DEBUG_LISTEN is set, an operator API on that address.
//
//	CACHE_KIND=partitioned \
//	NODE_LISTEN=:8081 NODE_ADDR=http://10.0.0.4:8081 \
//	REGISTRY_ADDR=http://10.0.0.1:8080 \
//	NODE_DEBUG_LISTEN=:9081 \
//	./cachenode
//
//	curl -X PUT --data-binary @value localhost:9081/global/user:1
//	curl localhost:9081/global/user:1
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dreamware/replicache/internal/config"
)

// logFatal is a variable so tests can intercept fatal errors.
var logFatal = log.Fatalf

func main() {
	path := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*path)
	if err != nil {
		logFatal("config: %v", err)
	}
	if err := cfg.Node.Validate(); err != nil {
		logFatal("config: %v", err)
	}

	node, err := NewNode(cfg.Node)
	if err != nil {
		logFatal("node: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	node.Start(ctx)

	srv := &http.Server{
		Addr:              cfg.Node.Listen,
		Handler:           node.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("node %s listening on %s", cfg.Node.Address, cfg.Node.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logFatal("listen: %v", err)
		}
	}()

	var debug *http.Server
	if cfg.Node.DebugListen != "" {
		gin.SetMode(gin.ReleaseMode)
		debug = &http.Server{
			Addr:              cfg.Node.DebugListen,
			Handler:           node.debugRouter(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Printf("debug API on %s", cfg.Node.DebugListen)
			if err := debug.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("debug listen: %v", err)
			}
		}()
	}

	if err := node.Register(ctx, 10, 400*time.Millisecond); err != nil {
		logFatal("%v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := node.Deregister(shutdownCtx); err != nil {
		log.Printf("deregister: %v", err)
	}
	if debug != nil {
		_ = debug.Shutdown(shutdownCtx)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	node.Stop()
	log.Println("node stopped")
}
