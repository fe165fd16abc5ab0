package server

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/openacl/aclsync/internal/tableacl"
)

// ACLHandler exposes the table ACL operations over HTTP.
type ACLHandler struct {
	mgr *tableacl.Manager
}

func NewACLHandler(mgr *tableacl.Manager) *ACLHandler {
	return &ACLHandler{mgr: mgr}
}

// GetACL returns the effective record for a project. Unknown projects read
// as the empty record, never as an error.
func (h *ACLHandler) GetACL(ctx *gin.Context) {
	project := ctx.Param("project")
	if project == "" {
		AbortWithError(ctx, http.StatusBadRequest, CodeInvalidRequest, fmt.Errorf("project missing"))
		return
	}
	ctx.PureJSON(http.StatusOK, h.mgr.Get(project))
}

func (h *ACLHandler) AddEntry(ctx *gin.Context) {
	project, user, table := ctx.Param("project"), ctx.Param("user"), ctx.Param("table")
	if project == "" || user == "" || table == "" {
		AbortWithError(ctx, http.StatusBadRequest, CodeInvalidRequest, fmt.Errorf("project, user and table are required"))
		return
	}

	if err := h.mgr.Add(ctx.Request.Context(), project, user, table); err != nil {
		AbortWithError(ctx, http.StatusInternalServerError, CodeACLUpdateFailed, err)
		return
	}
	ctx.PureJSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *ACLHandler) DeleteEntry(ctx *gin.Context) {
	project, user, table := ctx.Param("project"), ctx.Param("user"), ctx.Param("table")
	if project == "" || user == "" || table == "" {
		AbortWithError(ctx, http.StatusBadRequest, CodeInvalidRequest, fmt.Errorf("project, user and table are required"))
		return
	}

	if err := h.mgr.Delete(ctx.Request.Context(), project, user, table); err != nil {
		AbortWithError(ctx, http.StatusInternalServerError, CodeACLUpdateFailed, err)
		return
	}
	ctx.PureJSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *ACLHandler) DeleteUser(ctx *gin.Context) {
	project, user := ctx.Param("project"), ctx.Param("user")
	if project == "" || user == "" {
		AbortWithError(ctx, http.StatusBadRequest, CodeInvalidRequest, fmt.Errorf("project and user are required"))
		return
	}

	if err := h.mgr.DeleteUser(ctx.Request.Context(), project, user); err != nil {
		AbortWithError(ctx, http.StatusInternalServerError, CodeACLUpdateFailed, err)
		return
	}
	ctx.PureJSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *ACLHandler) DeleteTable(ctx *gin.Context) {
	project, table := ctx.Param("project"), ctx.Param("table")
	if project == "" || table == "" {
		AbortWithError(ctx, http.StatusBadRequest, CodeInvalidRequest, fmt.Errorf("project and table are required"))
		return
	}

	if err := h.mgr.DeleteTable(ctx.Request.Context(), project, table); err != nil {
		AbortWithError(ctx, http.StatusInternalServerError, CodeACLUpdateFailed, err)
		return
	}
	ctx.PureJSON(http.StatusOK, gin.H{"status": "ok"})
}
