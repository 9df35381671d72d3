// Command jcf is the reference CLI over the engine façade: a global
// Before hook opens the container, an After hook closes it, and each
// subcommand is a thin Action calling one engine method. fatih/color
// marks success/failure the way a terminal tool should, never embedded
// in the underlying data itself.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/jcf-project/jcf/engine"
	"github.com/jcf-project/jcf/errs"
)

// Exit codes: 0 ok, 1 generic, 2 bad arguments, 3 file not found,
// 4 version not found, 5 integrity failure.
const (
	exitOK               = 0
	exitGeneric          = 1
	exitBadArgs          = 2
	exitFileNotFound     = 3
	exitVersionNotFound  = 4
	exitIntegrityFailure = 5
)

var eng *engine.Engine

func main() {
	app := &cli.App{
		Name:  "jcf",
		Usage: "inspect and manipulate JSON Container Format (.jcf) files",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "file",
				Aliases:  []string{"f"},
				Usage:    "path to the .jcf container",
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable verbose engine logging",
			},
		},
		Commands: []*cli.Command{
			createCommand,
			addCommand,
			rmCommand,
			mvCommand,
			catCommand,
			lsCommand,
			checkpointCommand,
			restoreCommand,
			logCommand,
			diffCommand,
			gcCommand,
			verifyCommand,
			exportCommand,
			importCommand,
		},
		Before: openForCommand,
		After: func(c *cli.Context) error {
			if eng != nil {
				return eng.Close()
			}
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		os.Exit(exitForErr(err))
	}
}

// openForCommand opens the container before every command except
// "create", which must run against a path that does not exist yet.
func openForCommand(c *cli.Context) error {
	if c.Args().First() == "" && c.Command != nil && c.Command.Name == "create" {
		return nil
	}
	if c.Command != nil && c.Command.Name == "create" {
		return nil
	}
	var err error
	eng, err = engine.Open(context.Background(), c.String("file"), engine.Options{Debug: c.Bool("debug")})
	return err
}

func exitForErr(err error) int {
	if err == nil {
		return exitOK
	}
	color.Red("error: %v", err)
	switch errs.Of(err) {
	case errs.NotFound:
		return exitFileNotFound
	case errs.UnreachableVersion:
		return exitVersionNotFound
	case errs.ManifestCorruption, errs.BrokenChain, errs.MissingBlob, errs.BlobCorruption, errs.MissingDelta:
		return exitIntegrityFailure
	case errs.Validation:
		return exitBadArgs
	default:
		return exitGeneric
	}
}

var createCommand = &cli.Command{
	Name:      "create",
	Usage:     "create a new, empty container",
	ArgsUsage: " ",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "author", Value: os.Getenv("USER")},
		&cli.StringFlag{Name: "app", Value: "jcf-cli"},
	},
	Action: func(c *cli.Context) error {
		e, err := engine.Create(context.Background(), c.String("file"), c.String("author"), c.String("app"), engine.Options{Debug: c.Bool("debug")})
		if err != nil {
			return err
		}
		defer e.Close()
		color.Green("created %s", c.String("file"))
		return nil
	},
}

var addCommand = &cli.Command{
	Name:      "add",
	Usage:     "add or replace a file in the working copy",
	ArgsUsage: "<path> <source-file>",
	Action: func(c *cli.Context) error {
		if c.Args().Len() != 2 {
			return errs.New(errs.Validation)
		}
		data, err := os.ReadFile(c.Args().Get(1))
		if err != nil {
			return errs.Wrap(errs.IO, err, "read source file")
		}
		if err := eng.AddFile(context.Background(), c.Args().Get(0), data); err != nil {
			return err
		}
		color.Green("added %s", c.Args().Get(0))
		return nil
	},
}

var rmCommand = &cli.Command{
	Name:      "rm",
	Usage:     "remove a file from the working copy",
	ArgsUsage: "<path>",
	Action: func(c *cli.Context) error {
		if c.Args().Len() != 1 {
			return errs.New(errs.Validation)
		}
		if err := eng.RemoveFile(context.Background(), c.Args().First()); err != nil {
			return err
		}
		color.Green("removed %s", c.Args().First())
		return nil
	},
}

var mvCommand = &cli.Command{
	Name:      "mv",
	Usage:     "rename a file, preserving its history",
	ArgsUsage: "<from> <to>",
	Action: func(c *cli.Context) error {
		if c.Args().Len() != 2 {
			return errs.New(errs.Validation)
		}
		if err := eng.MoveFile(context.Background(), c.Args().Get(0), c.Args().Get(1)); err != nil {
			return err
		}
		color.Green("moved %s -> %s", c.Args().Get(0), c.Args().Get(1))
		return nil
	},
}

var catCommand = &cli.Command{
	Name:      "cat",
	Usage:     "print a file's content, optionally as of a given version",
	ArgsUsage: "<path>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "version", Usage: "versionId, defaults to the working copy"},
	},
	Action: func(c *cli.Context) error {
		if c.Args().Len() != 1 {
			return errs.New(errs.Validation)
		}
		data, err := eng.GetFile(context.Background(), c.Args().First(), c.String("version"))
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	},
}

var lsCommand = &cli.Command{
	Name:      "ls",
	Usage:     "list files, optionally filtered by directory prefix or version",
	ArgsUsage: "[dir]",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "version", Usage: "versionId, defaults to the working copy"},
	},
	Action: func(c *cli.Context) error {
		files, err := eng.ListFiles(context.Background(), c.Args().First(), c.String("version"))
		if err != nil {
			return err
		}
		for _, f := range files {
			fmt.Printf("%-8s %10d  %s\n", f.Type, f.Size, f.Path)
		}
		return nil
	},
}

var checkpointCommand = &cli.Command{
	Name:      "checkpoint",
	Aliases:   []string{"commit"},
	Usage:     "commit the working copy as a new version",
	ArgsUsage: "<message>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "author", Value: os.Getenv("USER")},
	},
	Action: func(c *cli.Context) error {
		if c.Args().Len() != 1 {
			return errs.New(errs.Validation)
		}
		v, err := eng.SaveCheckpoint(context.Background(), c.String("author"), c.Args().First())
		if err != nil {
			return err
		}
		color.Green("checkpoint %s", v.ID)
		return nil
	},
}

var restoreCommand = &cli.Command{
	Name:      "restore",
	Usage:     "restore the working copy to a prior version",
	ArgsUsage: "<versionId>",
	Action: func(c *cli.Context) error {
		if c.Args().Len() != 1 {
			return errs.New(errs.Validation)
		}
		result, err := eng.RestoreVersion(context.Background(), c.Args().First())
		if err != nil {
			return err
		}
		color.Green("restored to %s (%d path(s) touched)", result.VersionID, len(result.Touched))
		for _, w := range result.Warnings {
			color.Yellow("warning: %s: %s", w.Path, w.Detail)
		}
		return nil
	},
}

var logCommand = &cli.Command{
	Name:  "log",
	Usage: "print version history",
	Action: func(c *cli.Context) error {
		history, err := eng.History(context.Background())
		if err != nil {
			return err
		}
		for i := len(history) - 1; i >= 0; i-- {
			v := history[i]
			fmt.Printf("%s  %s  %s\n", v.ID, v.Timestamp.Format("2006-01-02T15:04:05Z"), v.Message)
		}
		return nil
	},
}

var diffCommand = &cli.Command{
	Name:      "diff",
	Usage:     "diff two versions",
	ArgsUsage: "<versionA> <versionB>",
	Action: func(c *cli.Context) error {
		if c.Args().Len() != 2 {
			return errs.New(errs.Validation)
		}
		entries, err := eng.Diff(context.Background(), c.Args().Get(0), c.Args().Get(1))
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("%-10s %s\n", e.ChangeType, e.Path)
		}
		return nil
	},
}

var gcCommand = &cli.Command{
	Name:  "gc",
	Usage: "run mark-and-sweep garbage collection",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "dry-run", Usage: "report what would be deleted without deleting"},
	},
	Action: func(c *cli.Context) error {
		report, err := eng.RunGC(context.Background(), c.Bool("dry-run"))
		if err != nil {
			return err
		}
		verb := "deleted"
		if report.DryRun {
			verb = "would delete"
		}
		color.Green("marked %d live entries, %s %d (%d bytes)", report.MarkedLive, verb, len(report.Deleted), report.FreedBytes)
		return nil
	},
}

var verifyCommand = &cli.Command{
	Name:  "verify",
	Usage: "run integrity checks",
	Action: func(c *cli.Context) error {
		report, err := eng.Verify(context.Background())
		if err != nil {
			return err
		}
		for _, w := range report.Warnings {
			color.Yellow("warning [%s]: %s", w.Check, w.Detail)
		}
		if !report.OK() {
			for _, e := range report.Errs {
				color.Red("error: %v", e)
			}
			return errs.New(errs.ManifestCorruption)
		}
		color.Green("container is valid")
		return nil
	},
}

var exportCommand = &cli.Command{
	Name:      "export",
	Usage:     "write a standalone copy of the container to a new file",
	ArgsUsage: "<dest-file>",
	Action: func(c *cli.Context) error {
		if c.Args().Len() != 1 {
			return errs.New(errs.Validation)
		}
		out, err := os.Create(c.Args().First())
		if err != nil {
			return errs.Wrap(errs.IO, err, "create export destination")
		}
		defer out.Close()
		if err := eng.Export(context.Background(), out); err != nil {
			return err
		}
		color.Green("exported to %s", c.Args().First())
		return nil
	},
}

var importCommand = &cli.Command{
	Name:      "import",
	Usage:     "replace the container's contents from a standalone archive",
	ArgsUsage: "<source-file>",
	Action: func(c *cli.Context) error {
		if c.Args().Len() != 1 {
			return errs.New(errs.Validation)
		}
		in, err := os.Open(c.Args().First())
		if err != nil {
			return errs.Wrap(errs.IO, err, "open import source")
		}
		defer in.Close()
		if err := eng.Import(context.Background(), in); err != nil {
			return err
		}
		color.Green("imported from %s", c.Args().First())
		return nil
	},
}
