package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/ferry/internal/app"
	"github.com/wudi/ferry/internal/bridge"
	"github.com/wudi/ferry/internal/logging"
	"github.com/wudi/ferry/internal/plugin"
	"github.com/wudi/ferry/internal/runtime"
	"github.com/wudi/ferry/internal/vault"
)

// The worker process: binds its IPC socket, builds the application, and
// serves requests handed over by the gateway. Spawn environment:
//
//	FERRY_WORKER_ID        worker id, e.g. "w1"
//	FERRY_WORKER_SOCKET    unix socket path to bind
//	FERRY_WORKER_NICE      nice value to apply
//	FERRY_WORKER_FD_LIMIT  RLIMIT_NOFILE to apply
//	FERRY_VAULT_SOCKET     vault sidecar socket (optional)
//	FERRY_SESSION_ROTATE   "1" enables per-request session rotation
func main() {
	workerID := os.Getenv("FERRY_WORKER_ID")
	socketPath := os.Getenv("FERRY_WORKER_SOCKET")
	if socketPath == "" {
		fmt.Fprintln(os.Stderr, "FERRY_WORKER_SOCKET not set; this binary is spawned by the ferry supervisor")
		os.Exit(1)
	}

	logger, _, err := logging.New(logging.Config{Level: os.Getenv("FERRY_LOG_LEVEL"), Output: "stderr"})
	if err == nil {
		logging.SetGlobal(logger.With(zap.String("worker", workerID)))
	}
	log := logging.Component("worker")

	applyResourceLimits(log)

	var sessions vault.Sessions
	if vs := os.Getenv("FERRY_VAULT_SOCKET"); vs != "" {
		client, err := vault.NewClient(vs, 5*time.Second)
		if err != nil {
			log.Error("vault connect failed", zap.Error(err))
			os.Exit(3)
		}
		defer client.Close()
		sessions = client
	}

	plugins := plugin.NewManager(parsePermissions(os.Getenv("FERRY_PLUGIN_PERMISSIONS")))
	a := buildApp(sessions)

	rt := runtime.New(a, plugins, sessions, runtime.Config{
		AutoRotation: os.Getenv("FERRY_SESSION_ROTATE") == "1",
	})
	if err := rt.Start(); err != nil {
		log.Error("runtime start failed", zap.Error(err))
		os.Exit(1)
	}
	defer rt.Stop()

	var ln *bridge.Listener
	ln, err = bridge.Listen(socketPath, rt.Handle, func() {
		// DRAIN: finish in-flight work, then exit cleanly.
		ln.WaitDrained()
		log.Info("drained, exiting")
		ln.Close()
		os.Exit(0)
	})
	if err != nil {
		log.Error("socket bind failed", zap.Error(err))
		os.Exit(3)
	}

	log.Info("worker serving", zap.String("socket", socketPath))
	if err := ln.Serve(); err != nil {
		log.Error("serve failed", zap.Error(err))
		os.Exit(1)
	}
}

func applyResourceLimits(log *zap.Logger) {
	if v := os.Getenv("FERRY_WORKER_NICE"); v != "" {
		if nice, err := strconv.Atoi(v); err == nil && nice != 0 {
			if err := syscall.Setpriority(syscall.PRIO_PROCESS, 0, nice); err != nil {
				log.Warn("setpriority failed", zap.Error(err))
			}
		}
	}
	if v := os.Getenv("FERRY_WORKER_FD_LIMIT"); v != "" {
		if limit, err := strconv.ParseUint(v, 10, 64); err == nil && limit > 0 {
			rl := syscall.Rlimit{Cur: limit, Max: limit}
			if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rl); err != nil {
				log.Warn("setrlimit failed", zap.Error(err))
			}
		}
	}
}

// parsePermissions decodes the permission matrix handed down by the
// supervisor. A missing or malformed value leaves every hook open.
func parsePermissions(raw string) map[string]plugin.Permissions {
	if raw == "" {
		return nil
	}
	var rows []struct {
		Plugin       string   `json:"plugin"`
		AllowedHooks []string `json:"allowedHooks"`
		DeniedHooks  []string `json:"deniedHooks"`
	}
	if err := json.Unmarshal([]byte(raw), &rows); err != nil {
		return nil
	}
	perms := make(map[string]plugin.Permissions, len(rows))
	for _, row := range rows {
		p := plugin.Permissions{}
		for _, h := range row.AllowedHooks {
			p.AllowedHooks = append(p.AllowedHooks, plugin.Hook(h))
		}
		for _, h := range row.DeniedHooks {
			p.DeniedHooks = append(p.DeniedHooks, plugin.Hook(h))
		}
		perms[row.Plugin] = p
	}
	return perms
}

// buildApp wires the demo application: a login/session flow and a couple of
// utility routes. Real deployments replace this with their own registration.
func buildApp(sessions vault.Sessions) *app.App {
	a := app.New()

	a.GET("/healthz", func(c *app.Ctx) error {
		return c.JSON(map[string]string{"status": "ok"})
	})

	a.POST("/login", func(c *app.Ctx) error {
		if sessions == nil {
			c.Status(http.StatusNotImplemented)
			return c.JSON(map[string]string{"error": "sessions disabled"})
		}
		var creds struct {
			User string `json:"user"`
		}
		if err := c.BindJSON(&creds); err != nil || creds.User == "" {
			c.Status(http.StatusBadRequest)
			return c.JSON(map[string]string{"error": "bad credentials payload"})
		}
		payload, _ := json.Marshal(map[string]string{"user": creds.User})
		token, err := sessions.Create("default", payload, 0)
		if err != nil {
			return err
		}
		c.SetHeader("X-Session-Token", token)
		return c.JSON(map[string]string{"token": token})
	})

	a.GET("/me", func(c *app.Ctx) error {
		if c.Session == nil {
			c.Status(http.StatusUnauthorized)
			return c.JSON(map[string]string{"error": "no session"})
		}
		return c.Send(c.Session)
	})

	a.POST("/logout", func(c *app.Ctx) error {
		if sessions != nil && c.SessionToken != "" {
			sessions.Destroy(c.SessionToken)
		}
		return c.JSON(map[string]string{"status": "logged out"})
	})

	a.POST("/echo", func(c *app.Ctx) error {
		c.SetHeader("Content-Type", c.Headers.Get("Content-Type"))
		return c.Send(c.Body)
	})

	return a
}
