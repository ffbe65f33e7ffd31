package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/mailsync/internal/models"
)

type testWebhookRequest struct {
	EmailAddress string `json:"emailAddress"`
}

type webhookURLRequest struct {
	WebhookURL string `json:"webhookUrl" binding:"required"`
	// Provision pushes the new URL to the instance's subscription right away.
	Provision *bool `json:"provision"`
}

func (s *Server) listInstances(c *gin.Context) {
	if s.deps.Registry == nil {
		respond(c, http.StatusOK, "", gin.H{"instances": []models.Instance{}})
		return
	}
	respond(c, http.StatusOK, "", gin.H{
		"current":   s.deps.Registry.CurrentID(),
		"instances": s.deps.Registry.List(),
	})
}

func (s *Server) lookupInstance(c *gin.Context) (models.Instance, bool) {
	if s.deps.Registry == nil {
		fail(c, http.StatusNotFound, "no instances configured", nil)
		return models.Instance{}, false
	}
	inst, err := s.deps.Registry.Get(c.Param("id"))
	if err != nil {
		fail(c, statusFor(err), "instance not found", err)
		return models.Instance{}, false
	}
	return inst, true
}

func (s *Server) requireProvisioner(c *gin.Context) bool {
	if s.deps.Provisioner == nil {
		fail(c, http.StatusServiceUnavailable, "pub/sub provisioning is not configured", nil)
		return false
	}
	return true
}

func (s *Server) instanceStats(c *gin.Context) {
	inst, ok := s.lookupInstance(c)
	if !ok || !s.requireProvisioner(c) {
		return
	}
	st, err := s.deps.Provisioner.Stats(c.Request.Context(), inst)
	if err != nil {
		fail(c, statusFor(err), "failed to describe subscription", err)
		return
	}
	respond(c, http.StatusOK, "", st)
}

func (s *Server) testWebhook(c *gin.Context) {
	inst, ok := s.lookupInstance(c)
	if !ok || !s.requireProvisioner(c) {
		return
	}
	var req testWebhookRequest
	_ = c.ShouldBindJSON(&req)
	if req.EmailAddress == "" {
		req.EmailAddress = "webhook-test@" + inst.ID + ".invalid"
	}

	res, err := s.deps.Provisioner.TestWebhook(c.Request.Context(), inst, req.EmailAddress)
	if err != nil {
		fail(c, http.StatusBadGateway, "webhook unreachable", err)
		return
	}
	if res.StatusCode >= http.StatusBadRequest {
		c.JSON(http.StatusOK, Envelope{Success: false, Message: "webhook answered with an error", Data: res, RequestID: requestIDOf(c)})
		return
	}
	respond(c, http.StatusOK, "webhook reachable", res)
}

func (s *Server) updateWebhookURL(c *gin.Context) {
	if _, ok := s.lookupInstance(c); !ok {
		return
	}
	var req webhookURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request", err)
		return
	}
	inst, err := s.deps.Registry.SetWebhookURL(c.Param("id"), req.WebhookURL)
	if err != nil {
		fail(c, statusFor(err), "failed to update webhook url", err)
		return
	}

	data := gin.H{"instance": inst}
	if s.deps.Provisioner != nil && (req.Provision == nil || *req.Provision) {
		res, err := s.deps.Provisioner.Provision(c.Request.Context(), inst)
		if err != nil {
			fail(c, statusFor(err), "webhook url updated but subscription was not", err)
			return
		}
		data["provision"] = res
	}
	respond(c, http.StatusOK, "webhook url updated", data)
}

func (s *Server) configCheck(c *gin.Context) {
	if s.deps.Config == nil {
		respond(c, http.StatusOK, "", gin.H{"ok": true, "missing": []string{}})
		return
	}
	missing := s.deps.Config.MissingRequired()
	if missing == nil {
		missing = []string{}
	}
	msg := "configuration complete"
	if len(missing) > 0 {
		msg = "configuration incomplete"
	}
	respond(c, http.StatusOK, msg, gin.H{"ok": len(missing) == 0, "missing": missing})
}
