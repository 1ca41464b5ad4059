/*
Copyright 2025 Pulse Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package api

import (
	"net/http"

	model2 "github.com/pulsehq/pulse/api/model"
	"github.com/pulsehq/pulse/internal/apierror"

	"github.com/gin-gonic/gin"
)

// CreateOrUpdateStatus records a status for an owner. It starts a new lineage
// when the owner has no active status and otherwise advances the existing
// lineage by one version. A request whose fields match the active status is
// acknowledged without writing a new version.
//
// Responses:
// - 400 Bad Request: If the request body or validation fails.
// - 201 Created: If a new version was written.
// - 200 OK: If the request was an idempotent no-op.
func (a Api) CreateOrUpdateStatus(c *gin.Context) {
	var newStatus model2.CreateStatus
	if err := c.ShouldBindJSON(&newStatus); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	err := newStatus.ValidateCreateStatus()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	attachment, err := newStatus.ToAttachment()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := a.pulse.CreateOrUpdateStatus(c.Request.Context(), newStatus.OwnerID, newStatus.ToStatusPayload(), attachment)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	if !resp.Updated {
		c.JSON(http.StatusOK, resp)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

// GetActiveStatus returns the owner's current status, or 404 when the owner
// has no active lineage.
func (a Api) GetActiveStatus(c *gin.Context) {
	ownerID, passed := c.Params.Get("owner_id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "owner_id is required. pass owner_id in the route /:owner_id"})
		return
	}

	resp, err := a.pulse.GetActiveStatus(c.Request.Context(), ownerID)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	if resp == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No active status for owner " + ownerID})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// GetStatusHistory returns every version recorded for the owner, newest
// first, including demoted and deleted versions still within retention.
func (a Api) GetStatusHistory(c *gin.Context) {
	ownerID, passed := c.Params.Get("owner_id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "owner_id is required. pass owner_id in the route /:owner_id"})
		return
	}

	resp, err := a.pulse.GetStatusHistory(c.Request.Context(), ownerID)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// SoftDeleteStatus marks the owner's current status deleted and restarts its
// retention window.
func (a Api) SoftDeleteStatus(c *gin.Context) {
	ownerID, passed := c.Params.Get("owner_id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "owner_id is required. pass owner_id in the route /:owner_id/:parent_id"})
		return
	}
	parentID, passed := c.Params.Get("parent_id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "parent_id is required. pass parent_id in the route /:owner_id/:parent_id"})
		return
	}

	resp, err := a.pulse.SoftDeleteStatus(c.Request.Context(), ownerID, parentID)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, resp)
}
