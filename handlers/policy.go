package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/quillhealth/chartminder/db"
	"github.com/quillhealth/chartminder/services"
)

// PolicyHandler exposes reminder policy CRUD. Scope violations are rejected
// here with 400; a malformed policy never reaches the sweep.
type PolicyHandler struct {
	Policies *services.PolicyService
}

func NewPolicyHandler(policies *services.PolicyService) *PolicyHandler {
	return &PolicyHandler{Policies: policies}
}

// ListPolicies handles GET /api/policies
func (h *PolicyHandler) ListPolicies(c *gin.Context) {
	policies, err := h.Policies.ListPolicies()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, policies)
}

// GetPolicy handles GET /api/policies/scope/:scope with optional ?key=
func (h *PolicyHandler) GetPolicy(c *gin.Context) {
	scope := c.Param("scope")
	key := c.Query("key")

	policy, err := h.Policies.GetPolicy(scope, key)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if policy == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "policy not found"})
		return
	}
	c.JSON(http.StatusOK, policy)
}

// ResolvePolicy handles GET /api/policies/effective?recipient_id=&type_key=
func (h *PolicyHandler) ResolvePolicy(c *gin.Context) {
	recipientID := c.Query("recipient_id")
	typeKey := c.Query("type_key")
	if recipientID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "recipient_id is required"})
		return
	}

	policy, err := h.Policies.Resolve(recipientID, typeKey)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, policy)
}

// CreatePolicy handles POST /api/policies
func (h *PolicyHandler) CreatePolicy(c *gin.Context) {
	var req db.CreatePolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	createdBy := c.GetString("subject")
	policy, err := h.Policies.CreatePolicy(req, createdBy)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, policy)
}

// UpdatePolicy handles PUT /api/policies/:id
func (h *PolicyHandler) UpdatePolicy(c *gin.Context) {
	id := c.Param("id")

	var req db.CreatePolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	policy, err := h.Policies.UpdatePolicy(id, req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, policy)
}

// DeletePolicy handles DELETE /api/policies/:id
func (h *PolicyHandler) DeletePolicy(c *gin.Context) {
	if err := h.Policies.DeletePolicy(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}
