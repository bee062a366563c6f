// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

// Package command builds the autobuild.sh invocation for one task.
package command

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"verifyrunner/src/config"
	"verifyrunner/src/logging"
)

const (
	autoPrefix      = "autobuild-"
	maxTagAttempts  = 100
	probeTimeout    = 10 * time.Second
	timestampLayout = "20060102_150405"
)

// ImageProber checks the local image store.
type ImageProber interface {
	ImageExists(ctx context.Context, ref string) (bool, error)
}

type Builder struct {
	ScriptPath    string
	TaskDirectory string
	APIKey        string
	ImageTag      string
	ContainerName string
	Workdir       string
	OutputDir     string
	LogRoot       string
	NoCache       bool
	AutoLowercase bool

	Prober ImageProber
	Clock  func() time.Time
}

func NewBuilder(cfg *config.Config, prober ImageProber) *Builder {
	return &Builder{
		ScriptPath:    cfg.ScriptPath,
		TaskDirectory: cfg.TaskDirectory,
		APIKey:        cfg.APIKey,
		ImageTag:      cfg.ImageTag,
		ContainerName: cfg.ContainerName,
		Workdir:       cfg.Workdir,
		OutputDir:     cfg.OutputDir,
		LogRoot:       cfg.LogRoot,
		NoCache:       cfg.NoCache,
		AutoLowercase: cfg.AutoLowercase,
		Prober:        prober,
		Clock:         time.Now,
	}
}

// BaseName is the task directory's last path element, used in task and
// resource names.
func (b *Builder) BaseName() string {
	return baseName(b.TaskDirectory)
}

// Build returns the full command line for mode with suffix threaded into the
// image tag, container name and output directory.
func (b *Builder) Build(ctx context.Context, mode, suffix string) (string, error) {
	if mode == "" {
		return "", fmt.Errorf("build command: empty mode")
	}
	args := []string{"bash", Quote(filepath.ToSlash(b.ScriptPath)), mode}

	if b.TaskDirectory != "" {
		args = append(args, "--task", Quote(filepath.ToSlash(b.TaskDirectory)))
	}
	if b.APIKey != "" {
		args = append(args, "--api-key", Quote(b.APIKey))
	}
	if b.NoCache {
		args = append(args, "--no-cache")
	}

	if tag := b.imageTag(suffix); tag != "" {
		unique, err := b.uniqueImage(ctx, tag)
		if err != nil {
			return "", err
		}
		args = append(args, "--image-tag", Quote(unique))
	}
	if name := b.containerName(suffix); name != "" {
		args = append(args, "--container-name", Quote(name))
	}
	if b.Workdir != "" {
		args = append(args, "--workdir", Quote(filepath.ToSlash(b.Workdir)))
	}
	if out := b.outputDir(suffix); out != "" {
		args = append(args, "--output-dir", Quote(filepath.ToSlash(out)))
	}
	return strings.Join(args, " "), nil
}

func (b *Builder) imageTag(suffix string) string {
	tag := b.ImageTag
	if tag == "" {
		if !b.AutoLowercase || b.TaskDirectory == "" {
			return ""
		}
		tag = autoPrefix + strings.ToLower(b.BaseName())
		if suffix == "" {
			return tag + ":latest"
		}
		return tag + ":" + suffix
	}
	if b.AutoLowercase {
		tag = strings.ToLower(tag)
	}
	if suffix == "" {
		return tag
	}
	if repo, ok := strings.CutSuffix(tag, ":latest"); ok {
		return repo + ":" + suffix
	}
	if repo := repository(tag); repo != tag {
		// Keep the configured tag visible; a reference has one colon tag.
		return repo + ":" + tag[len(repo)+1:] + "_" + suffix
	}
	return tag + ":" + suffix
}

func (b *Builder) containerName(suffix string) string {
	name := b.ContainerName
	switch {
	case name != "":
		if b.AutoLowercase {
			name = strings.ToLower(name)
		}
	case b.AutoLowercase && b.TaskDirectory != "":
		name = autoPrefix + strings.ToLower(b.BaseName())
	default:
		return ""
	}
	if suffix != "" {
		name += "_from_" + suffix
	}
	return name
}

func (b *Builder) outputDir(suffix string) string {
	if b.OutputDir == "" {
		return b.LogRoot
	}
	if suffix == "" {
		return b.OutputDir
	}
	return b.OutputDir + "_" + suffix
}

// uniqueImage returns ref, or a variant of it that the local image store
// does not know yet. Probe errors leave ref unchanged.
func (b *Builder) uniqueImage(ctx context.Context, ref string) (string, error) {
	if b.Prober == nil {
		return ref, nil
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	exists, err := b.Prober.ImageExists(ctx, ref)
	if err != nil {
		logging.Log(fmt.Sprintf("Image probe for %s failed, using it as is: %v", ref, err), slog.LevelWarn)
		return ref, nil
	}
	if !exists {
		return ref, nil
	}

	repo := repository(ref)
	clock := b.Clock
	if clock == nil {
		clock = time.Now
	}
	now := clock()
	stamp := fmt.Sprintf("%s_%06d", now.Format(timestampLayout), now.Nanosecond()/int(time.Microsecond))

	for attempt := 1; attempt <= maxTagAttempts; attempt++ {
		candidate := repo + ":" + stamp
		if attempt > 1 {
			candidate = fmt.Sprintf("%s_%d", candidate, attempt)
		}
		exists, err := b.Prober.ImageExists(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("probe image %s: %w", candidate, err)
		}
		if !exists {
			return candidate, nil
		}
	}
	return repo + ":" + stamp + "_" + uuid.NewString()[:8], nil
}

// repository strips the tag from an image reference, leaving any registry
// port intact.
func repository(ref string) string {
	slash := strings.LastIndex(ref, "/")
	if colon := strings.LastIndex(ref, ":"); colon > slash {
		return ref[:colon]
	}
	return ref
}

func baseName(dir string) string {
	dir = strings.TrimRight(filepath.ToSlash(dir), "/")
	if i := strings.LastIndex(dir, "/"); i >= 0 {
		return dir[i+1:]
	}
	return dir
}

// ContainerPrefixes are the container and process name prefixes a task's
// resources carry, most specific first. The base is the part of the task
// name before " - ". A bare base is never returned; it would match
// unrelated containers.
func ContainerPrefixes(taskName string) []string {
	base, _, _ := strings.Cut(taskName, " - ")
	base = strings.ToLower(strings.TrimSpace(base))
	if base == "" {
		return nil
	}
	return []string{
		autoPrefix + base + "_from_",
		base + "_from_",
		autoPrefix + base,
	}
}

// Quote makes s a single shell word.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$`|&;<>()*?[]#~{}!") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
