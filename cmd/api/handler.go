// Package api is the thin HTTP surface over the sync engine: handlers bind
// requests, enqueue work or call one engine operation, and shape the
// response. No engine logic lives here.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"unibox-backend/internal/jobs"
	"unibox-backend/internal/mail/domain"
	"unibox-backend/internal/mail/repository"
	"unibox-backend/internal/queue"
	syncengine "unibox-backend/internal/sync"
)

type Handler struct {
	accountRepo repository.AccountRepository
	messageRepo repository.MessageRepository
	scheduler   *syncengine.Scheduler
	queues      *queue.Manager
}

func NewHandler(
	accountRepo repository.AccountRepository,
	messageRepo repository.MessageRepository,
	scheduler *syncengine.Scheduler,
	queues *queue.Manager,
) *Handler {
	return &Handler{
		accountRepo: accountRepo,
		messageRepo: messageRepo,
		scheduler:   scheduler,
		queues:      queues,
	}
}

type createAccountRequest struct {
	Email    string `json:"email" binding:"required"`
	Provider string `json:"provider" binding:"required"`

	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`

	IMAPHost     string `json:"imap_host"`
	IMAPPort     int    `json:"imap_port"`
	IMAPUsername string `json:"imap_username"`
	IMAPPassword string `json:"imap_password"`
	SMTPHost     string `json:"smtp_host"`
	SMTPPort     int    `json:"smtp_port"`

	SyncFrequencySeconds int `json:"sync_frequency_seconds"`
}

func (h *Handler) CreateAccount(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	account := &domain.Account{
		OwnerID:              ownerFrom(c),
		Email:                req.Email,
		Provider:             req.Provider,
		AccessToken:          req.AccessToken,
		RefreshToken:         req.RefreshToken,
		IMAPHost:             req.IMAPHost,
		IMAPPort:             req.IMAPPort,
		IMAPUsername:         req.IMAPUsername,
		IMAPPassword:         req.IMAPPassword,
		SMTPHost:             req.SMTPHost,
		SMTPPort:             req.SMTPPort,
		SyncEnabled:          true,
		SyncFrequencySeconds: req.SyncFrequencySeconds,
		IsActive:             true,
	}
	if account.SyncFrequencySeconds <= 0 {
		account.SyncFrequencySeconds = 15
	}

	if err := h.accountRepo.Create(account); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create account"})
		return
	}
	c.JSON(http.StatusCreated, account)
}

// TestConnection probes the account's provider and records the outcome on
// the account's active flag.
func (h *Handler) TestConnection(c *gin.Context) {
	accountID := c.Param("id")

	result, err := h.scheduler.TestAccountConnection(c.Request.Context(), accountID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	status := http.StatusOK
	if !result.OK {
		status = http.StatusBadGateway
	}
	c.JSON(status, result)
}

// SyncAccount enqueues an on-demand sync. The deterministic job id collapses
// concurrent requests for the same account into one job.
func (h *Handler) SyncAccount(c *gin.Context) {
	accountID := c.Param("id")

	jobID, err := h.queues.Enqueue(c.Request.Context(), jobs.QueueSyncAccount,
		jobs.SyncAccountPayload{AccountID: accountID, OwnerID: ownerFrom(c)},
		queue.Options{JobID: jobs.SyncJobID(accountID)})
	if err != nil {
		if errors.Is(err, queue.ErrDuplicateJob) {
			c.JSON(http.StatusConflict, gin.H{"error": "sync already queued for this account"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue sync"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID, "queue": jobs.QueueSyncAccount})
}

type sendMessageRequest struct {
	AccountID string   `json:"account_id" binding:"required"`
	To        []string `json:"to" binding:"required"`
	Cc        []string `json:"cc"`
	Bcc       []string `json:"bcc"`
	Subject   string   `json:"subject"`
	TextBody  string   `json:"text_body"`
	HTMLBody  string   `json:"html_body"`
	// Delay defers delivery (e.g. "30s" undo window)
	Delay string `json:"delay"`
}

func (h *Handler) SendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var delay time.Duration
	if req.Delay != "" {
		parsed, err := time.ParseDuration(req.Delay)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid delay"})
			return
		}
		delay = parsed
	}

	jobID, err := h.queues.Enqueue(c.Request.Context(), jobs.QueueSendEmail,
		jobs.SendEmailPayload{
			AccountID: req.AccountID,
			OwnerID:   ownerFrom(c),
			To:        req.To,
			Cc:        req.Cc,
			Bcc:       req.Bcc,
			Subject:   req.Subject,
			TextBody:  req.TextBody,
			HTMLBody:  req.HTMLBody,
		},
		queue.Options{Delay: delay})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue send"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID, "queue": jobs.QueueSendEmail})
}

type bulkMutateRequest struct {
	MessageIDs []string `json:"message_ids" binding:"required"`
	Action     string   `json:"action" binding:"required"`
}

func (h *Handler) BulkMutate(c *gin.Context) {
	var req bulkMutateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	jobID, err := h.queues.Enqueue(c.Request.Context(), jobs.QueueBulkMutate,
		jobs.BulkMutatePayload{
			OwnerID:    ownerFrom(c),
			MessageIDs: req.MessageIDs,
			Action:     req.Action,
		},
		queue.Options{})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue bulk mutation"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID, "queue": jobs.QueueBulkMutate})
}

func (h *Handler) ListThreadMessages(c *gin.Context) {
	messages, err := h.messageRepo.ListByThread(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

// FlushCaches enqueues a cache cleanup for the calling owner.
func (h *Handler) FlushCaches(c *gin.Context) {
	jobID, err := h.queues.Enqueue(c.Request.Context(), jobs.QueueCleanup,
		jobs.CleanupPayload{OwnerID: ownerFrom(c)}, queue.Options{})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue cleanup"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID, "queue": jobs.QueueCleanup})
}

func (h *Handler) GetJob(c *gin.Context) {
	job, err := h.queues.GetJob(c.Request.Context(), c.Param("queue"), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load job"})
		return
	}
	if job == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, job)
}
