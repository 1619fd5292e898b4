package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Meridian-dev/m365-vault-infra/internal/auth"
	"github.com/Meridian-dev/m365-vault-infra/internal/config"
	"github.com/Meridian-dev/m365-vault-infra/internal/graph"
	"github.com/Meridian-dev/m365-vault-infra/internal/indexer"
	"github.com/Meridian-dev/m365-vault-infra/internal/natsjs"
	"github.com/Meridian-dev/m365-vault-infra/internal/scheduler"
	"github.com/Meridian-dev/m365-vault-infra/internal/snapstore"
	"github.com/Meridian-dev/m365-vault-infra/internal/task"
)

type credentialsRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type tenantRequest struct {
	Name         string `json:"name" binding:"required"`
	TenantID     string `json:"tenant_id" binding:"required"`
	ClientID     string `json:"client_id" binding:"required"`
	ClientSecret string `json:"client_secret" binding:"required"`
}

type tenantUpdateRequest struct {
	Name         string `json:"name"`
	TenantID     string `json:"tenant_id"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

type backupRequest struct {
	Label string `json:"label"`
}

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatal(err)
	}

	store, err := snapstore.Open(filepath.Join(cfg.DataDir, "vault.db"))
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	seedTenants(store, cfg.Tenants)

	authService := auth.NewService(store.DB)
	issuer, err := auth.NewTokenIssuer([]byte(cfg.APIJWTSecret), 0)
	if err != nil {
		log.Fatal(err)
	}

	// NATS is optional: without it the outbox just accumulates and task
	// updates are poll-only.
	var sink task.Sink
	if cfg.NATSURL != "" {
		publisher, err := natsjs.NewPublisher(cfg.NATSURL)
		if err != nil {
			log.Fatal(err)
		}
		defer publisher.Close()

		if err := publisher.EnsureStream(); err != nil {
			log.Fatal(err)
		}

		dispatcher := &indexer.Dispatcher{Store: store, Publisher: publisher}
		go dispatcher.Run(context.Background())
		sink = publisher
	}

	tracker := task.NewTracker(sink)
	runner := task.NewRunner(store, graph.Dial, tracker)

	if cfg.BackupInterval > 0 {
		sched := &scheduler.Scheduler{
			Interval: cfg.BackupInterval,
			Trigger: func() string {
				return runner.BackupAllTenants(cfg.CollectorOptions("scheduled"))
			},
		}
		sched.Start()
		defer sched.Stop()
	}

	r := gin.Default()

	r.POST("/register", func(c *gin.Context) {
		var req credentialsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		user, err := authService.CreateUser(c.Request.Context(), req.Username, req.Password)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, user)
	})

	r.POST("/login", func(c *gin.Context) {
		var req credentialsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		user, err := authService.ValidateUser(c.Request.Context(), req.Username, req.Password)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		token, err := issuer.Issue(user.Username)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": token, "user": user})
	})

	authorized := r.Group("/")
	authorized.Use(issuer.Middleware())

	authorized.POST("/tenants", func(c *gin.Context) {
		var req tenantRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		id, err := store.CreateTenant(c.Request.Context(), req.Name, req.TenantID, req.ClientID, req.ClientSecret)
		if err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}

		tenant, err := store.GetTenant(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, tenant)
	})

	authorized.GET("/tenants", func(c *gin.Context) {
		tenants, err := store.ListTenants(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, tenants)
	})

	authorized.PUT("/tenants/:id", func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}

		var req tenantUpdateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if err := store.UpdateTenant(c.Request.Context(), id, req.Name, req.TenantID, req.ClientID, req.ClientSecret); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		tenant, err := store.GetTenant(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if tenant == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "tenant not found"})
			return
		}
		c.JSON(http.StatusOK, tenant)
	})

	authorized.DELETE("/tenants/:id", func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}

		if err := store.DeactivateTenant(c.Request.Context(), id); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	authorized.POST("/tenants/:id/backup", func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}

		tenant, err := store.GetTenant(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if tenant == nil || !tenant.IsActive {
			c.JSON(http.StatusNotFound, gin.H{"error": "tenant not found"})
			return
		}

		var req backupRequest
		_ = c.ShouldBindJSON(&req)

		taskID := runner.BackupTenant(tenant.Creds(), cfg.CollectorOptions(req.Label))
		c.JSON(http.StatusAccepted, gin.H{"task_id": taskID})
	})

	authorized.POST("/backups", func(c *gin.Context) {
		var req backupRequest
		_ = c.ShouldBindJSON(&req)

		taskID := runner.BackupAllTenants(cfg.CollectorOptions(req.Label))
		c.JSON(http.StatusAccepted, gin.H{"task_id": taskID})
	})

	authorized.GET("/tasks/:id", func(c *gin.Context) {
		status, ok := tracker.Status(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusOK, status)
	})

	authorized.GET("/tasks/:id/stream", func(c *gin.Context) {
		ch, cancelSub, ok := tracker.Subscribe(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		defer cancelSub()

		c.Writer.Header().Set("Content-Type", "text/event-stream")
		c.Writer.Header().Set("Cache-Control", "no-cache")
		c.Stream(func(w io.Writer) bool {
			select {
			case status, open := <-ch:
				if !open {
					return false
				}
				c.SSEvent("status", status)
				return !status.State.Terminal()
			case <-c.Request.Context().Done():
				return false
			}
		})
	})

	authorized.GET("/snapshots", func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.Query("limit"))
		snaps, err := store.ListSnapshots(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, snaps)
	})

	authorized.GET("/snapshots/:id/messages", func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}

		msgs, err := store.SnapshotMessages(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, msgs)
	})

	authorized.DELETE("/snapshots/:id", func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}

		if err := store.DeleteSnapshot(c.Request.Context(), id); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	authorized.GET("/messages/:id", func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}

		msg, err := store.MessageByID(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if msg == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
			return
		}
		c.JSON(http.StatusOK, msg)
	})

	authorized.GET("/messages/:id/attachments", func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}

		atts, err := store.MessageAttachments(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, atts)
	})

	log.Fatal(r.Run(cfg.ListenAddr))
}

// pathID parses the numeric :id path parameter, answering 400 itself on
// garbage input.
func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

// seedTenants imports config-file tenants into the registry. Already
// registered tenant ids are left alone.
func seedTenants(store *snapstore.Store, seeds []config.TenantSeed) {
	ctx := context.Background()
	for _, seed := range seeds {
		if seed.TenantID == "" {
			continue
		}
		if _, err := store.CreateTenant(ctx, seed.Name, seed.TenantID, seed.ClientID, seed.ClientSecret); err != nil {
			log.Printf("Tenant %s already registered or rejected", seed.Name)
			continue
		}
		log.Printf("Imported tenant %s from config", seed.Name)
	}
}
