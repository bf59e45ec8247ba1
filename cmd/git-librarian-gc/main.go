// Command git-librarian-gc is the maintenance companion to the
// git-librarian daemon: it walks every bare mirror and ref clone on disk
// and runs `git gc` over each, the way jens's separate bin/jens-gc script
// did against the same BAREDIR/CLONEDIR trees (setup.py's scripts list).
package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	flag "github.com/spf13/pflag"

	"github.com/utilitywarehouse/git-librarian/config"
	"github.com/utilitywarehouse/git-librarian/gitops"
	"github.com/utilitywarehouse/git-librarian/manifest"
)

func main() {
	flagConfig := flag.String("config", "/etc/git-librarian/config.yaml", "Absolute path to the config file")
	flagAggressive := flag.Bool("aggressive", false, "Pass --aggressive to every git gc invocation")
	flagLogLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	logger, _ := config.NewLogger(*flagLogLevel)

	cfg, err := config.Load(*flagConfig)
	if err != nil {
		logger.Error("unable to load config", "err", err)
		os.Exit(1)
	}

	git := gitops.New("git", logger, nil)
	ctx := context.Background()

	for _, p := range manifest.Partitions() {
		gcBares(ctx, logger, git, filepath.Join(cfg.Main.BareDir, string(p)), *flagAggressive)
		gcClones(ctx, logger, git, filepath.Join(cfg.Main.CloneDir, string(p)), *flagAggressive)
	}
}

// gcBares collects garbage in every bare mirror directly under dir
// (dir/<repo>).
func gcBares(ctx context.Context, log *slog.Logger, git *gitops.Client, dir string, aggressive bool) {
	repos, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, repo := range repos {
		if !repo.IsDir() {
			continue
		}
		path := filepath.Join(dir, repo.Name())
		log.Info("collecting garbage in bare mirror", "path", path)
		if err := git.GC(ctx, path, true, aggressive); err != nil {
			log.Error("gc failed", "path", path, "err", err)
		}
	}
}

// gcClones collects garbage in every ref clone two levels under dir
// (dir/<repo>/<ref>).
func gcClones(ctx context.Context, log *slog.Logger, git *gitops.Client, dir string, aggressive bool) {
	repos, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, repo := range repos {
		if !repo.IsDir() {
			continue
		}
		repoDir := filepath.Join(dir, repo.Name())
		refs, err := os.ReadDir(repoDir)
		if err != nil {
			continue
		}
		for _, ref := range refs {
			if !ref.IsDir() {
				continue
			}
			path := filepath.Join(repoDir, ref.Name())
			log.Info("collecting garbage in clone", "path", path)
			if err := git.GC(ctx, path, false, aggressive); err != nil {
				log.Error("gc failed", "path", path, "err", err)
			}
		}
	}
}
