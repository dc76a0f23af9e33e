// vault-agent is a minimal participating agent: it registers, heartbeats,
// and answers every request it receives by echoing the payload back. Useful
// for exercising a deployment end to end and as a template for real agents.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joelkehle/agentvault/internal/a2a"
	"github.com/joelkehle/agentvault/internal/messenger"
	"github.com/joelkehle/agentvault/internal/registry"
	"github.com/joelkehle/agentvault/internal/vault"
)

func main() {
	rootFlag := flag.String("root", "", "path to the filesystem vault root (overrides VAULT_ROOT env var)")
	dbFlag := flag.String("db", "", "path to a SQLite vault database (overrides DB_PATH env var)")
	agentID := flag.String("agent", "echo-agent", "agent identity")
	roleFlag := flag.String("role", "processor", "registry role (watcher|processor|monitor|admin)")
	capsFlag := flag.String("capabilities", "echo", "comma-separated capability list")
	pollInterval := flag.Duration("poll", 2*time.Second, "inbox poll interval")
	heartbeat := flag.Duration("heartbeat", 60*time.Second, "heartbeat interval")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v, err := openVault(*rootFlag, *dbFlag)
	if err != nil {
		log.Fatalf("open vault: %v", err)
	}
	secret, err := vault.LoadSecret(ctx, v)
	if err != nil {
		log.Fatalf("load signing secret: %v", err)
	}

	reg := registry.New(v, registry.Config{})
	caps := strings.Split(*capsFlag, ",")
	for i := range caps {
		caps[i] = strings.TrimSpace(caps[i])
	}
	if err := reg.Register(ctx, *agentID, caps, registry.Role(*roleFlag)); err != nil {
		log.Fatalf("register: %v", err)
	}
	log.Printf("registered agent=%s role=%s capabilities=%s", *agentID, *roleFlag, *capsFlag)

	beat := registry.NewHeartbeatTask(reg, *agentID, *heartbeat, log.Default())
	beat.Start(ctx)
	defer beat.Stop()

	m, err := messenger.New(v, a2a.NewSigner(secret), messenger.Config{AgentID: *agentID})
	if err != nil {
		log.Fatalf("messenger: %v", err)
	}

	ticker := time.NewTicker(*pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := reg.Unregister(context.Background(), *agentID); err != nil {
				log.Printf("unregister failed agent=%s err=%v", *agentID, err)
			}
			return
		case <-ticker.C:
			msgs, err := m.Receive(ctx, messenger.ReceiveInput{})
			if err != nil {
				log.Printf("receive failed agent=%s err=%v", *agentID, err)
				continue
			}
			for i := range msgs {
				handle(ctx, m, &msgs[i])
			}
		}
	}
}

func handle(ctx context.Context, m *messenger.Messenger, msg *a2a.Message) {
	log.Printf("received message_id=%s from=%s type=%s subject=%q",
		msg.MessageID, msg.From, msg.Type, msg.Subject)
	switch msg.Type {
	case a2a.TypeRequest:
		echo := map[string]any{"echo": json.RawMessage(msg.Body), "subject": msg.Subject}
		if msg.Body == nil {
			echo["echo"] = nil
		}
		if err := m.Acknowledge(ctx, msg.MessageID, "success", echo); err != nil {
			log.Printf("acknowledge failed message_id=%s err=%v", msg.MessageID, err)
		}
	default:
		if err := m.Acknowledge(ctx, msg.MessageID, "received", nil); err != nil {
			log.Printf("acknowledge failed message_id=%s err=%v", msg.MessageID, err)
		}
	}
}

func openVault(rootFlag, dbFlag string) (vault.Vault, error) {
	dbPath := dbFlag
	if dbPath == "" {
		dbPath = os.Getenv("DB_PATH")
	}
	if dbPath != "" {
		return vault.NewSQLVault(dbPath)
	}
	root := rootFlag
	if root == "" {
		root = os.Getenv("VAULT_ROOT")
	}
	if root == "" {
		root = "./vault"
	}
	return vault.NewFSVault(root)
}
