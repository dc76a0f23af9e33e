// vault-audit renders an operator report over a vault: dead-lettered and
// failed messages plus the registry summary. It decodes records without
// signature verification so forged or corrupted traffic stays inspectable;
// verification lives in the messenger, not in the codec.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/joelkehle/agentvault/internal/a2a"
	"github.com/joelkehle/agentvault/internal/registry"
	"github.com/joelkehle/agentvault/internal/vault"
)

func main() {
	rootFlag := flag.String("root", "", "path to the filesystem vault root (overrides VAULT_ROOT env var)")
	dbFlag := flag.String("db", "", "path to a SQLite vault database (overrides DB_PATH env var)")
	outputPath := flag.String("output", "", "path to write the HTML report (defaults to stdout)")
	markdownPath := flag.String("markdown-output", "", "optional path to write the raw markdown report")
	flag.Parse()

	ctx := context.Background()
	v, err := openVault(*rootFlag, *dbFlag)
	if err != nil {
		log.Fatalf("open vault: %v", err)
	}

	report, err := buildReport(ctx, v)
	if err != nil {
		log.Fatalf("build report: %v", err)
	}

	if *markdownPath != "" {
		if err := os.WriteFile(*markdownPath, []byte(report), 0o644); err != nil {
			log.Fatalf("write markdown: %v", err)
		}
	}

	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	var html bytes.Buffer
	if err := md.Convert([]byte(report), &html); err != nil {
		log.Fatalf("render html: %v", err)
	}

	if *outputPath == "" {
		if _, err := os.Stdout.Write(html.Bytes()); err != nil {
			log.Fatal(err)
		}
		return
	}
	if err := os.WriteFile(*outputPath, html.Bytes(), 0o644); err != nil {
		log.Fatalf("write output: %v", err)
	}
}

func buildReport(ctx context.Context, v vault.Vault) (string, error) {
	var layout vault.Layout
	var b strings.Builder

	fmt.Fprintf(&b, "# Vault audit report\n\nGenerated: %s\n\n", time.Now().UTC().Format(time.RFC3339))

	reg := registry.New(v, registry.Config{})
	summary, err := reg.StatusSummary(ctx)
	if err != nil {
		return "", fmt.Errorf("registry summary: %w", err)
	}
	fmt.Fprintf(&b, "## Agents\n\nTotal %d: online %d, idle %d, offline %d\n\n",
		summary.Total, summary.Online, summary.Idle, summary.Offline)
	roles := make([]registry.Role, 0, len(summary.ByRole))
	for role := range summary.ByRole {
		roles = append(roles, role)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	for _, role := range roles {
		fmt.Fprintf(&b, "- %s: %d\n", role, summary.ByRole[role])
	}
	b.WriteString("\n")

	for _, area := range []struct {
		title string
		dir   string
	}{
		{"Dead letters", layout.DeadLetter()},
		{"Failed (awaiting retry)", layout.Failed()},
	} {
		msgs, malformed, err := readArea(ctx, v, area.dir)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "## %s (%d)\n\n", area.title, len(msgs))
		if len(msgs) > 0 {
			b.WriteString("| Message | From | To | Subject | Retries | Reason | Created |\n")
			b.WriteString("|---|---|---|---|---|---|---|\n")
			for _, m := range msgs {
				fmt.Fprintf(&b, "| %s | %s | %s | %s | %d/%d | %s | %s |\n",
					m.MessageID, m.From, m.To, m.Subject, m.RetryCount, m.MaxRetries,
					m.FailureReason, m.CreatedAt.Format(time.RFC3339))
			}
			b.WriteString("\n")
		}
		if malformed > 0 {
			fmt.Fprintf(&b, "%d record(s) in %s could not be decoded.\n\n", malformed, area.dir)
		}
	}
	return b.String(), nil
}

func readArea(ctx context.Context, v vault.Vault, dir string) ([]a2a.Message, int, error) {
	names, err := v.List(ctx, dir)
	if err != nil {
		return nil, 0, err
	}
	msgs := []a2a.Message{}
	malformed := 0
	for _, name := range names {
		data, err := v.Read(ctx, dir+"/"+name)
		if err != nil {
			continue
		}
		m, err := a2a.Decode(data)
		if err != nil {
			malformed++
			continue
		}
		msgs = append(msgs, *m)
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].MessageID < msgs[j].MessageID })
	return msgs, malformed, nil
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
