package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/ventriloquist/internal/clova"
	"github.com/zulandar/ventriloquist/internal/durable"
)

// registerRoutes sets up all routes on the Gin router.
func registerRoutes(router *gin.Engine, opts Opts) {
	router.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	router.POST("/clova", handleClova(opts.Skill))
	if opts.Webhook != nil {
		router.POST("/line/webhook", handleWebhook(opts.Webhook, opts.Chat))
	}

	api := router.Group("/api", requireToken(opts.AdminToken))
	api.GET("/instances/:key", handleInstanceStatus(opts.Admin))
	api.DELETE("/instances/:key", handleInstanceTerminate(opts.Admin))
}

func handleClova(skill VoiceSkill) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, err := clova.DecodeRequest(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		resp, err := skill.Respond(c.Request.Context(), req)
		if err != nil {
			log.Printf("server: clova: %v", err)
		}
		c.JSON(http.StatusOK, resp)
	}
}

// handleWebhook submits the parsed updates in delivery order and waits for
// all of them before answering. Handler errors are logged; the platform
// always gets 200 once the body verified.
func handleWebhook(hook Webhook, handler UpdateHandler) gin.HandlerFunc {
	return func(c *gin.Context) {
		updates, err := hook.ParseRequest(c.Request)
		if err != nil {
			log.Printf("server: webhook: %v", err)
			c.String(http.StatusBadRequest, "Bad Request")
			return
		}

		ctx := c.Request.Context()
		results := make([]<-chan error, len(updates))
		for i, u := range updates {
			results[i] = handler.Submit(ctx, u)
		}
		for i, done := range results {
			if err := <-done; err != nil {
				u := updates[i]
				log.Printf("server: webhook: %s %s: %v", u.Platform, u.UserID, err)
			}
		}
		c.String(http.StatusOK, "OK")
	}
}

// requireToken checks the bearer token when one is configured.
func requireToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// instanceView is the JSON shape of an instance.
type instanceView struct {
	Key           string          `json:"key"`
	Kind          string          `json:"kind"`
	Status        durable.Status  `json:"status"`
	ExecutionID   string          `json:"execution_id"`
	Generation    int             `json:"generation"`
	Input         json.RawMessage `json:"input,omitempty"`
	Output        json.RawMessage `json:"output,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	PendingEvents int             `json:"pending_events"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

func toView(st *durable.InstanceStatus) instanceView {
	return instanceView{
		Key:           st.Key,
		Kind:          st.Kind,
		Status:        st.Status,
		ExecutionID:   st.ExecutionID,
		Generation:    st.Generation,
		Input:         rawJSON(st.Input),
		Output:        rawJSON(st.Output),
		Reason:        st.Reason,
		PendingEvents: st.PendingEvents,
		CreatedAt:     st.CreatedAt,
		UpdatedAt:     st.UpdatedAt,
		CompletedAt:   st.CompletedAt,
	}
}

func rawJSON(s string) json.RawMessage {
	if s == "" || !json.Valid([]byte(s)) {
		return nil
	}
	return json.RawMessage(s)
}

func handleInstanceStatus(admin InstanceAdmin) gin.HandlerFunc {
	return func(c *gin.Context) {
		st, err := admin.Status(c.Request.Context(), c.Param("key"))
		if errors.Is(err, durable.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "instance not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, toView(st))
	}
}

func handleInstanceTerminate(admin InstanceAdmin) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.Param("key")
		reason := c.DefaultQuery("reason", "admin")
		if _, err := admin.Status(c.Request.Context(), key); errors.Is(err, durable.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "instance not found"})
			return
		}
		if err := admin.Terminate(c.Request.Context(), key, reason); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		st, err := admin.Status(c.Request.Context(), key)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, toView(st))
	}
}
