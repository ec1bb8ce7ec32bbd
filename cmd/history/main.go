package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/automerge/automerge-go"

	"github.com/astromechza/automerge-collab/pkg/textdoc"
	"github.com/astromechza/automerge-collab/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	svgVar := flag.String("svg", "", "also render the change graph to this svg file")
	flag.Parse()
	if flag.NArg() != 1 {
		return fmt.Errorf("expected one positional argument: the saved document to read")
	}
	f, err := os.Open(flag.Arg(0))
	if err != nil {
		return fmt.Errorf("failed to open input file: %w", err)
	}
	defer f.Close()
	buff, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("failed to read input file: %w", err)
	}
	raw, err := automerge.Load(buff)
	if err != nil {
		return fmt.Errorf("failed to load doc: %w", err)
	}
	buff = nil
	slog.Info("loaded doc", "heads", raw.Heads())

	text, err := raw.Path(textdoc.ContentKey).Text().Get()
	if err != nil {
		return fmt.Errorf("failed to read text: %w", err)
	}
	fmt.Println(text)

	lines, err := viz.Summarize(raw, textdoc.ContentKey)
	if err != nil {
		return fmt.Errorf("failed to summarize changes: %w", err)
	}
	for i, line := range lines {
		slog.Info("change", "i", fmt.Sprintf("%4d", i), "summary", line)
	}

	if *svgVar != "" {
		if err := viz.RenderHistorySVG(raw, textdoc.ContentKey, *svgVar); err != nil {
			return fmt.Errorf("failed to render svg: %w", err)
		}
		slog.Info("rendered change graph", "path", *svgVar)
	}
	return nil
}
