// Command imgpipe builds a container image from a plan and publishes it
// to one of three sinks: a registry, a local daemon, or a tarball file.
package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/imgpipe/imgpipe/internal/containerize"
	"github.com/imgpipe/imgpipe/internal/image"
	"github.com/imgpipe/imgpipe/internal/plan"
	"github.com/imgpipe/imgpipe/internal/progress"
	"github.com/imgpipe/imgpipe/internal/sink"
)

const usage = `Usage: imgpipe COMMAND [ARGS...]

Commands:
  push   build then push the image to a registry
  load   build then load the image into a local daemon
  save   build then write the image as a tarball`

func main() {
	ctx := context.Background()
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "push":
		err = runPush(ctx, os.Args[2:])
	case "load":
		err = runLoad(ctx, os.Args[2:])
	case "save":
		err = runSave(ctx, os.Args[2:])
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "imgpipe: %v\n", err)
		os.Exit(1)
	}
}

func runPush(ctx context.Context, args []string) error {
	flagSet := flag.NewFlagSet("push", flag.ExitOnError)
	contextDir := flagSet.String("context", ".", "Directory whose contents become the application layer")
	cfg, err := plan.ParseFlags(flagSet, args)
	if err != nil {
		return err
	}
	p, err := buildPlan(cfg, *contextDir)
	if err != nil {
		return err
	}

	c, err := newContainerizer(cfg)
	if err != nil {
		return err
	}
	img, err := c.Build(ctx, p)
	if err != nil {
		return fmt.Errorf("building image: %w", err)
	}
	if err := c.Push(ctx, img, cfg); err != nil {
		return fmt.Errorf("pushing image: %w", err)
	}
	return nil
}

func runLoad(ctx context.Context, args []string) error {
	flagSet := flag.NewFlagSet("load", flag.ExitOnError)
	loaderBinary := flagSet.String("loader", "", "Daemon CLI binary to invoke (default docker, or $IMGPIPE_LOADER)")
	contextDir := flagSet.String("context", ".", "Directory whose contents become the application layer")
	cfg, err := plan.ParseFlags(flagSet, args)
	if err != nil {
		return err
	}
	p, err := buildPlan(cfg, *contextDir)
	if err != nil {
		return err
	}

	c, err := newContainerizer(cfg)
	if err != nil {
		return err
	}
	img, err := c.Build(ctx, p)
	if err != nil {
		return fmt.Errorf("building image: %w", err)
	}

	configJSON, configDesc, err := image.ConfigJSON(img)
	if err != nil {
		return err
	}
	tags := repoTags(cfg)
	return sink.LoadIntoDaemon(ctx, img, configJSON, configDesc, tags, c.LayerOpener(), *loaderBinary)
}

func runSave(ctx context.Context, args []string) error {
	flagSet := flag.NewFlagSet("save", flag.ExitOnError)
	outPath := flagSet.String("output", "", "Path to write the tarball to (required)")
	contextDir := flagSet.String("context", ".", "Directory whose contents become the application layer")
	cfg, err := plan.ParseFlags(flagSet, args)
	if err != nil {
		return err
	}
	if *outPath == "" {
		return fmt.Errorf("save: -output is required")
	}
	p, err := buildPlan(cfg, *contextDir)
	if err != nil {
		return err
	}

	c, err := newContainerizer(cfg)
	if err != nil {
		return err
	}
	img, err := c.Build(ctx, p)
	if err != nil {
		return fmt.Errorf("building image: %w", err)
	}

	configJSON, configDesc, err := image.ConfigJSON(img)
	if err != nil {
		return err
	}
	tags := repoTags(cfg)
	return sink.WriteTarballFile(*outPath, img, configJSON, configDesc, tags, c.LayerOpener())
}

func newContainerizer(cfg plan.Config) (*containerize.Containerizer, error) {
	c, err := containerize.New(cfg, containerize.WithLogger(logrus.NewEntry(logrus.StandardLogger())))
	if err != nil {
		return nil, fmt.Errorf("initializing containerizer: %w", err)
	}
	updates := make(chan progress.Update, 64)
	c.Progress().Subscribe(updates)
	go progress.StderrConsumer(updates)
	return c, nil
}

// buildPlan assembles a ContainerBuildPlan for the common case of a
// single application layer holding every regular file under
// contextDir; richer plans (multiple layers, image metadata) are
// constructed by callers embedding this package directly rather than
// through the CLI.
func buildPlan(cfg plan.Config, contextDir string) (plan.ContainerBuildPlan, error) {
	entries, err := contextLayerEntries(contextDir, cfg.ResolvedFilesModificationTime())
	if err != nil {
		return plan.ContainerBuildPlan{}, fmt.Errorf("building plan: %w", err)
	}
	return plan.ContainerBuildPlan{
		Config:            cfg,
		ApplicationLayers: []plan.ApplicationLayer{{Entries: entries}},
	}, nil
}

// contextLayerEntries walks contextDir and returns one LayerEntry per
// regular file found, rooted at "/" in the image (so a file at
// contextDir/a/b.txt becomes container path /a/b.txt). Intermediate
// directories are synthesized by the tar builder from each entry's
// container path, so only files need to be listed here.
func contextLayerEntries(contextDir string, modTime time.Time) ([]image.LayerEntry, error) {
	root, err := filepath.Abs(contextDir)
	if err != nil {
		return nil, fmt.Errorf("resolving context directory %q: %w", contextDir, err)
	}
	var entries []image.LayerEntry
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		entries = append(entries, image.LayerEntry{
			SourcePath:    path,
			ContainerPath: "/" + filepath.ToSlash(rel),
			ModTime:       modTime,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking context directory %q: %w", contextDir, err)
	}
	return entries, nil
}

func repoTags(cfg plan.Config) []string {
	var tags []string
	if cfg.TargetImage != "" {
		tags = append(tags, cfg.TargetImage)
	}
	return append(tags, cfg.AdditionalTags...)
}
