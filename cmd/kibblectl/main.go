// Command kibblectl renders documents and manages the Markdown cache from the
// command line.
package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.trai.ch/zerr"

	"github.com/briangreenhill/kibble/cache"
	"github.com/briangreenhill/kibble/internal/auth"
	"github.com/briangreenhill/kibble/internal/bootstrap"
	"github.com/briangreenhill/kibble/internal/config"
	"github.com/briangreenhill/kibble/internal/content"
	"github.com/briangreenhill/kibble/internal/hooks"
)

const version = "kibblectl v0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	c := &cli{
		cfg:    cfg,
		out:    os.Stdout,
		log:    bootstrap.Logger(cfg, os.Stderr),
		client: &http.Client{Timeout: 10 * time.Second},
	}
	if err := c.run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type cli struct {
	cfg    config.Config
	out    io.Writer
	log    zerolog.Logger
	client *http.Client
}

func (c *cli) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		c.usage()
		return nil
	}

	switch args[0] {
	case "help", "--help", "-h":
		c.usage()
		return nil
	case "version", "--version", "-v":
		fmt.Fprintln(c.out, version)
		return nil
	case "render":
		if len(args) != 2 {
			return errors.New("usage: kibblectl render <path>")
		}
		return c.render(ctx, args[1])
	case "purge":
		if len(args) != 2 {
			return errors.New("usage: kibblectl purge <path>")
		}
		return c.purge(args[1])
	case "flush":
		return c.flush()
	case "hook":
		if len(args) < 2 || len(args) > 3 {
			return errors.New("usage: kibblectl hook <event> [json-payload]")
		}
		payload := ""
		if len(args) == 3 {
			payload = args[2]
		}
		return c.hook(ctx, args[1], payload)
	default:
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func (c *cli) usage() {
	fmt.Fprintln(c.out, "Usage: kibblectl <command> [args]")
	fmt.Fprintln(c.out, "Commands:")
	fmt.Fprintln(c.out, "  render <path>          Print the Markdown document for a path (bypasses the cache)")
	fmt.Fprintln(c.out, "  purge <path>           Remove every cached variant of a path")
	fmt.Fprintln(c.out, "  flush                  Empty the whole cache")
	fmt.Fprintln(c.out, "  hook <event> [json]    Send a signed invalidation webhook to BASE_URL")
	fmt.Fprintln(c.out, "  version                Print the version")
	fmt.Fprintln(c.out, "Configuration is read from the same environment as the api.")
}

func (c *cli) render(ctx context.Context, path string) error {
	repo, closeRepo, err := bootstrap.Repository(ctx, c.cfg, c.log)
	if err != nil {
		return err
	}
	defer closeRepo()

	path = content.NormalizePath(path)
	var e *content.Entity
	if path == "" {
		id, err := repo.FrontPageID(ctx)
		if err != nil {
			return err
		}
		e, err = repo.ByID(ctx, id)
		if err != nil {
			return zerr.Wrap(err, "load front page")
		}
	} else if e, err = repo.ByPath(ctx, path); err != nil {
		return zerr.With(zerr.Wrap(err, "resolve path"), "path", path)
	}

	if !e.Published() || e.Protected() {
		return zerr.With(zerr.New("entity is not publicly visible"), "entity_id", e.ID)
	}

	doc, err := bootstrap.Renderer(c.cfg).Render(ctx, e)
	if err != nil {
		return err
	}
	_, err = io.WriteString(c.out, doc.Markdown)
	return err
}

func (c *cli) fileStore() (cache.Store, error) {
	if c.cfg.CacheBackend != config.CacheBackendFile {
		return nil, errors.New("purge and flush need CACHE_BACKEND=file; use the hook command for an in-memory cache")
	}
	return bootstrap.Store(c.cfg, c.log)
}

func (c *cli) purge(path string) error {
	store, err := c.fileStore()
	if err != nil {
		return err
	}
	key, ok := cache.KeyForPath(path)
	if !ok {
		return zerr.With(zerr.New("path has no cache key"), "path", path)
	}
	store.Purge(key)
	fmt.Fprintf(c.out, "purged %s\n", key)
	return nil
}

func (c *cli) flush() error {
	store, err := c.fileStore()
	if err != nil {
		return err
	}
	store.FlushAll()
	fmt.Fprintln(c.out, "cache flushed")
	return nil
}

func (c *cli) hook(ctx context.Context, event, payload string) error {
	if c.cfg.HookSecret == "" {
		return errors.New("HOOK_SECRET is not set")
	}
	if _, err := hooks.ParseEvent(event); err != nil {
		return err
	}

	body := []byte(strings.TrimSpace(payload))
	signer := auth.WebhookSigner{Secret: []byte(c.cfg.HookSecret)}
	base, err := url.Parse(c.cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return zerr.With(zerr.New("BASE_URL must be an absolute URL"), "base_url", c.cfg.BaseURL)
	}
	// the hook endpoint is mounted at the server root, outside BASE_PATH
	endpoint := (&url.URL{Scheme: base.Scheme, Host: base.Host, Path: "/_hooks/" + event}).String()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return zerr.Wrap(err, "build hook request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.SignatureHeader, signer.Sign(body, time.Now()))

	resp, err := c.client.Do(req)
	if err != nil {
		return zerr.With(zerr.Wrap(err, "send hook"), "url", endpoint)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.log.Warn().Err(closeErr).Msg("close response body")
		}
	}()

	if resp.StatusCode != http.StatusAccepted {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := zerr.With(zerr.New("hook rejected"), "status", resp.StatusCode)
		return zerr.With(err, "body", strings.TrimSpace(string(msg)))
	}
	fmt.Fprintf(c.out, "%s accepted\n", event)
	return nil
}
