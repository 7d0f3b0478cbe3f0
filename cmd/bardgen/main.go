// Command bardgen generates images through the Gemini web backend using
// an ordinary browser session's cookies.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pixelbard/bardgen/internal/api"
	"github.com/pixelbard/bardgen/internal/auth"
	"github.com/pixelbard/bardgen/internal/cookies"
	"github.com/pixelbard/bardgen/internal/server"
)

// Global flags
var (
	debug        bool
	cookieHeader string
	model        string
	locale       string
	outDir       string
	addr         string
	envPath      string
	loginTimeout time.Duration
)

func init() {
	flag.BoolVar(&debug, "debug", false, "enable debug output")
	flag.StringVar(&cookieHeader, "cookies", os.Getenv(cookies.EnvCookies), "session cookies (or set BARDGEN_COOKIES)")
	flag.StringVar(&model, "model", api.DefaultModel, "image model selector")
	flag.StringVar(&locale, "hl", "en", "request locale")
	flag.StringVar(&outDir, "out", ".", "directory for downloaded images")
	flag.StringVar(&addr, "addr", ":8667", "listen address for serve")
	flag.StringVar(&envPath, "env", "", "path to the env file (default ~/.bardgen/env)")
	flag.DurationVar(&loginTimeout, "login-timeout", auth.DefaultDeadline, "interactive login deadline")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: bardgen <command> [arguments]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  generate <prompt> [file...]   Generate images, optionally editing attached files\n")
		fmt.Fprintf(os.Stderr, "  upscale <conversation-id> <image-token> [prompt]  Fetch a full-resolution render\n")
		fmt.Fprintf(os.Stderr, "  login                         Sign in via a controlled browser and store cookies\n")
		fmt.Fprintf(os.Stderr, "  serve                         Run the HTTP API (generation, upscale, login relay)\n")
		fmt.Fprintf(os.Stderr, "  auth-status                   Show whether stored cookies look usable\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
}

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "bardgen: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	if envPath == "" {
		if p, err := cookies.DefaultEnvPath(); err == nil {
			envPath = p
		}
	}

	store := cookies.NewStore()
	if envPath != "" {
		if err := store.Load(envPath); err != nil {
			slog.Warn("env file unreadable", "path", envPath, "err", err)
		}
	}
	store.LoadFromEnv()
	if cookieHeader != "" {
		store.MergeHeader(cookieHeader)
	}

	cmd := flag.Arg(0)
	args := flag.Args()[1:]

	switch cmd {
	case "generate":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "usage: bardgen generate <prompt> [file...]\n")
			return fmt.Errorf("invalid arguments")
		}
		return cmdGenerate(store, args[0], args[1:])
	case "upscale":
		if len(args) < 2 || len(args) > 3 {
			fmt.Fprintf(os.Stderr, "usage: bardgen upscale <conversation-id> <image-token> [prompt]\n")
			return fmt.Errorf("invalid arguments")
		}
		prompt := ""
		if len(args) == 3 {
			prompt = args[2]
		}
		return cmdUpscale(store, args[0], args[1], prompt)
	case "login":
		return cmdLogin(store)
	case "serve":
		return cmdServe(store)
	case "auth-status":
		return cmdAuthStatus(store)
	case "help", "-h", "--help":
		flag.Usage()
		return nil
	default:
		flag.Usage()
		os.Exit(1)
		return nil
	}
}

func newClient(store *cookies.Store) *api.Client {
	return api.New(store,
		api.WithDebug(debug),
		api.WithModel(model),
		api.WithLocale(locale),
	)
}

func cmdGenerate(store *cookies.Store, prompt string, paths []string) error {
	var files []api.File
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read attachment: %w", err)
		}
		files = append(files, api.File{
			Data:     data,
			FileName: filepath.Base(p),
			MimeType: mimeFromPath(p),
		})
	}

	client := newClient(store)
	result, err := client.GenerateImages(context.Background(), prompt, files)
	if err != nil {
		return err
	}
	persistCookies(store)

	for _, f := range result.Failed {
		fmt.Fprintf(os.Stderr, "bardgen: attachment %s failed: %v\n", f.FileName, f.Err)
	}

	fmt.Printf("conversation %s response %s", result.ConversationID, result.ResponseID)
	if result.ModelName != "" {
		fmt.Printf(" model %s", result.ModelName)
	}
	fmt.Println()

	for i, img := range result.Images {
		name := img.FileName
		if name == "" {
			name = fmt.Sprintf("image-%d%s", i+1, extFor(img.MimeType))
		}
		path := filepath.Join(outDir, name)
		data, err := client.Download(context.Background(), img.URL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "bardgen: download %s: %v\n", img.URL, err)
			continue
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		fmt.Printf("%s  %dx%d  token=%s\n", path, img.Width, img.Height, img.Token)
	}
	return nil
}

func cmdUpscale(store *cookies.Store, conversationID, imageToken, prompt string) error {
	client := newClient(store)
	url, err := client.Upscale(context.Background(), api.UpscaleRequest{
		ConversationID: conversationID,
		ImageToken:     imageToken,
		Prompt:         prompt,
	})
	if err != nil {
		return err
	}
	persistCookies(store)

	data, err := client.Download(context.Background(), url)
	if err != nil {
		return fmt.Errorf("download full-size image: %w", err)
	}
	path := filepath.Join(outDir, "upscaled"+extFromData(data))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Println(path)
	return nil
}

func cmdLogin(store *cookies.Store) error {
	mgr := auth.NewSessionManager(store,
		auth.WithHeadless(false),
		auth.WithDeadline(loginTimeout),
		auth.WithEnvPath(envPath),
	)
	if err := mgr.Start(context.Background()); err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "bardgen: complete the sign-in in the browser window...")

	for {
		st := mgr.Status()
		switch st.State {
		case auth.StateSuccess:
			fmt.Fprintln(os.Stderr, "bardgen: cookies stored")
			return nil
		case auth.StateTimeout:
			return fmt.Errorf("login timed out after %s", loginTimeout)
		case auth.StateError:
			return fmt.Errorf("login failed: %s", st.Error)
		case auth.StateIdle:
			return fmt.Errorf("login stopped")
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func cmdServe(store *cookies.Store) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	mgr := auth.NewSessionManager(store,
		auth.WithEnvPath(envPath),
		auth.WithLogger(logger),
	)
	srv := server.New(newClient(store), mgr, store,
		server.WithLogger(logger),
		server.WithImageDir(filepath.Join(outDir, "images")),
	)
	logger.Info("listening", "addr", addr)
	return http.ListenAndServe(addr, srv.Handler())
}

func cmdAuthStatus(store *cookies.Store) error {
	if !store.HasRequired() {
		fmt.Println("not authenticated: run 'bardgen login' or set BARDGEN_COOKIES")
		return nil
	}
	fmt.Printf("authenticated (%s=%s...)\n", cookies.CookiePSID, prefixOf(store.Get(cookies.CookiePSID), 8))
	return nil
}

func persistCookies(store *cookies.Store) {
	if envPath != "" {
		store.Persist(envPath)
	}
}

func mimeFromPath(p string) string {
	if mt := mime.TypeByExtension(filepath.Ext(p)); mt != "" {
		return mt
	}
	return "application/octet-stream"
}

func extFor(mimeType string) string {
	if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".png"
}

func extFromData(data []byte) string {
	return extFor(http.DetectContentType(data))
}

func prefixOf(s string, n int) string {
	if len(s) <= n {
		return strings.Repeat("*", len(s))
	}
	return s[:n]
}
