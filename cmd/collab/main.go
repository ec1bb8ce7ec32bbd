package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/astromechza/automerge-collab/pkg/collab"
	"github.com/astromechza/automerge-collab/pkg/docsapi"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	endpointVar := flag.String("endpoint", "ws://127.0.0.1:8080/ws", "the relay websocket endpoint")
	apiVar := flag.String("api", "", "optional docs api base url used to resolve the document by title")
	docVar := flag.String("doc", "default", "the document id, or its title when -api is set")
	nameVar := flag.String("name", "", "the display name advertised to peers")
	colorVar := flag.String("color", "", "the display color advertised to peers, e.g. #60A5FA")
	flag.Parse()

	docID := *docVar
	var snapshot []byte
	if *apiVar != "" {
		id, snap, err := resolveDocument(*apiVar, *docVar)
		if err != nil {
			return err
		}
		docID, snapshot = id, snap
	}

	session := collab.New(collab.Config{
		Endpoint: *endpointVar,
		Name:     *nameVar,
		Color:    *colorVar,
	})
	defer session.Close()

	var mu sync.Mutex
	var current string
	session.OnText(func(text string) {
		mu.Lock()
		changed := text != current
		current = text
		mu.Unlock()
		if changed {
			fmt.Println("----")
			fmt.Println(text)
		}
	})
	session.OnStatus(func(st collab.Status) {
		slog.Info("status changed", "status", string(st))
	})
	session.OnPresence(func(peers []collab.Peer) {
		parts := make([]string, 0, len(peers))
		for _, p := range peers {
			label := p.Name
			if p.Head != nil {
				label = fmt.Sprintf("%s@%d", p.Name, *p.Head)
			}
			parts = append(parts, colorize(p.Color, label))
		}
		slog.Info("peers changed", "peers", strings.Join(parts, " "))
	})

	session.ConnectWithSnapshot(docID, snapshot)

	// Each line typed on stdin is appended to the shared document.
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			mu.Lock()
			next := current + scanner.Text() + "\n"
			mu.Unlock()
			session.UpdateLocalText(next)
			end := len([]rune(next))
			session.SetLocalCursor(end, end)
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)

	if raw := session.Snapshot(); raw != nil {
		tf := filepath.Join(os.TempDir(), docID+".automerge")
		if err := os.WriteFile(tf, raw, 0o644); err != nil {
			return fmt.Errorf("failed to dump doc: %w", err)
		}
		slog.Info("dumped", "dump", tf)
	}
	return nil
}

// resolveDocument looks the title up in the docs api, creating the
// document when it does not exist yet, and fetches its latest snapshot.
func resolveDocument(base, title string) (string, []byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := docsapi.New(base)
	if err != nil {
		return "", nil, fmt.Errorf("failed to build docs api client: %w", err)
	}
	items, err := client.List(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("failed to list documents: %w", err)
	}
	for _, item := range items {
		if item.Title == title || item.ID == title {
			snap, err := client.GetSnapshot(ctx, item.ID)
			if err != nil {
				return "", nil, fmt.Errorf("failed to fetch snapshot: %w", err)
			}
			return item.ID, snap, nil
		}
	}
	created, err := client.Create(ctx, title)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create document: %w", err)
	}
	slog.Info("created document", "id", created.ID, "title", created.Title)
	return created.ID, nil, nil
}

// colorize renders s in the given #RRGGBB color, falling back to plain
// text when the value does not parse.
func colorize(hex, s string) string {
	hex = strings.TrimPrefix(hex, "#")
	if len(hex) != 6 {
		return s
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return s
	}
	return color.RGB(int(v>>16&0xFF), int(v>>8&0xFF), int(v&0xFF)).Sprint(s)
}
