// Package viz renders the change graph of a collaborative text document
// as an SVG via graphviz. Each node is one change, labelled with its
// short hash, actor and a preview of the document text as of that change.
package viz

import (
	"bytes"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

const previewLimit = 40

func preview(text string) string {
	text = strings.ReplaceAll(text, "\n", "⏎")
	if r := []rune(text); len(r) > previewLimit {
		return string(r[:previewLimit]) + "…"
	}
	return text
}

// textAsOf returns the shared text as it stood immediately after the given change.
func textAsOf(doc *automerge.Doc, hash automerge.ChangeHash, key string) (string, error) {
	docAt, err := doc.Fork(hash)
	if err != nil {
		return "", fmt.Errorf("failed to checkout %s: %w", hash, err)
	}
	return docAt.Path(key).Text().Get()
}

// RenderHistorySVG writes the change graph of doc to outputPath. The text
// previews are taken from the root map entry named by key.
func RenderHistorySVG(doc *automerge.Doc, key string, outputPath string) error {
	g := graphviz.New()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}

	changes, err := doc.Changes()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}

	nodeMap := make(map[string]*cgraph.Node)
	var edgeCounter int
	for _, change := range changes {
		text, err := textAsOf(doc, change.Hash(), key)
		if err != nil {
			return err
		}

		n, err := graph.CreateNode(change.Hash().String())
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetShape(cgraph.BoxShape)
		n.SetLabel(fmt.Sprintf("%s %s@%d\n%q", change.Hash().String()[:8], change.ActorID()[:8], change.ActorSeq(), preview(text)))
		nodeMap[n.Name()] = n

		for _, hash := range change.Dependencies() {
			edgeCounter++
			if _, err := graph.CreateEdge(strconv.Itoa(edgeCounter), nodeMap[hash.String()], n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	var buff bytes.Buffer
	if err := g.Render(graph, graphviz.SVG, &buff); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}

	if err := os.WriteFile(outputPath, buff.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", outputPath, err)
	}
	return nil
}

// RenderHistoryToTemp renders the change graph to a fresh file in the
// system temp directory and returns its path.
func RenderHistoryToTemp(doc *automerge.Doc, key string) (string, error) {
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("%d%d.svg", time.Now().UnixNano(), rand.Int()))
	if err := RenderHistorySVG(doc, key, tf); err != nil {
		return "", err
	}
	return tf, nil
}

// Summarize returns a one-line-per-change listing of the history, oldest
// first, suitable for terminal output.
func Summarize(doc *automerge.Doc, key string) ([]string, error) {
	changes, err := doc.Changes()
	if err != nil {
		return nil, fmt.Errorf("failed to generate changes: %w", err)
	}
	lines := make([]string, 0, len(changes))
	for _, change := range changes {
		text, err := textAsOf(doc, change.Hash(), key)
		if err != nil {
			return nil, err
		}
		lines = append(lines, fmt.Sprintf("%s %s@%d %q", change.Hash().String()[:8], change.ActorID()[:8], change.ActorSeq(), preview(text)))
	}
	return lines, nil
}
