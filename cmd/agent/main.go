// vmctl-agent is the guest agent that runs inside each VM. It listens for
// HTTP connections over vsock and carries out guest control requests:
// processes, file copies, directory creation and tools updates.
//
// Build: CGO_ENABLED=0 GOOS=linux go build -o vmctl-agent ./cmd/agent
package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/opensandbox/vmctl/internal/agent"
	"github.com/opensandbox/vmctl/internal/config"
)

const version = "0.1.0"

func main() {
	log.SetFlags(log.Ltime | log.Lmicroseconds)
	log.Printf("vmctl-agent %s starting", version)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("agent: failed to load config: %v", err)
	}

	lis, err := listen(cfg.AgentListen, cfg.AgentPort)
	if err != nil {
		log.Fatalf("agent: failed to listen: %v", err)
	}

	srv := agent.NewServer(agent.Config{
		Token:          cfg.AgentToken,
		WorkDir:        cfg.AgentWorkDir,
		StagingDir:     cfg.AgentStagingDir,
		ToolsInstaller: cfg.ToolsInstaller,
		MaxOutputWait:  cfg.AgentMaxOutputWait,
		Version:        version,
	})
	if cfg.AgentToken == "" {
		log.Printf("agent: no token configured, requests are not authenticated")
	}

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		log.Printf("agent: received %v, shutting down", sig)
		if err := srv.Close(); err != nil {
			log.Printf("agent: shutdown: %v", err)
		}
	}()

	if err := srv.Serve(lis); err != nil {
		log.Fatalf("agent: serve failed: %v", err)
	}
}
