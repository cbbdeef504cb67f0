package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nimbushq/aigov/internal/store"
)

const invitationTTL = 7 * 24 * time.Hour

var shareRoles = map[string]bool{"admin": true, "editor": true, "viewer": true}

// SharesListHandler returns the caller's owned shares, incoming shares, and
// pending invitations (both sent and received).
func SharesListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ident := IdentityFrom(r)
		ctx := r.Context()

		owned, err := d.Store.ListSharesByOwner(ctx, ident.UID)
		if err != nil {
			jsonError(w, http.StatusInternalServerError, ErrProviderError, "share lookup failed")
			return
		}
		incoming, err := d.Store.ListSharesWithUser(ctx, ident.UID)
		if err != nil {
			jsonError(w, http.StatusInternalServerError, ErrProviderError, "share lookup failed")
			return
		}
		sent, err := d.Store.ListInvitationsForOwner(ctx, ident.UID)
		if err != nil {
			jsonError(w, http.StatusInternalServerError, ErrProviderError, "invitation lookup failed")
			return
		}
		received, err := d.Store.ListInvitationsForEmail(ctx, ident.Email)
		if err != nil {
			jsonError(w, http.StatusInternalServerError, ErrProviderError, "invitation lookup failed")
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"owned":               owned,
			"sharedWithMe":        incoming,
			"sentInvitations":     d.lazyExpire(ctx, sent),
			"receivedInvitations": d.lazyExpire(ctx, received),
		})
	}
}

// lazyExpire flips past-deadline pending invitations to expired, persisting
// the transition at inspection time.
func (d Dependencies) lazyExpire(ctx context.Context, invs []store.InvitationRecord) []store.InvitationRecord {
	now := d.now().UTC()
	for i := range invs {
		if invs[i].Status == "pending" && now.After(invs[i].ExpiresAt) {
			invs[i].Status = "expired"
			if err := d.Store.UpdateInvitation(ctx, invs[i]); err != nil {
				d.Log.Debug("invitation expiry write failed", "id", invs[i].ID, "error", err)
			}
		}
	}
	return invs
}

// ShareCreateHandler issues a pending invitation.
func ShareCreateHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ToEmail      string `json:"toEmail"`
			ResourceType string `json:"resourceType"`
			ResourceID   string `json:"resourceId"`
			Role         string `json:"role"`
			AppID        string `json:"appId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, http.StatusBadRequest, ErrInvalidRequest, "bad json")
			return
		}
		if req.ToEmail == "" || req.ResourceType == "" || req.ResourceID == "" || !shareRoles[req.Role] {
			jsonError(w, http.StatusBadRequest, ErrInvalidRequest, "toEmail, resourceType, resourceId and a valid role are required")
			return
		}

		now := d.now().UTC()
		inv := store.InvitationRecord{
			ID:           uuid.NewString(),
			OwnerUID:     IdentityFrom(r).UID,
			ToEmail:      req.ToEmail,
			ResourceType: req.ResourceType,
			ResourceID:   req.ResourceID,
			Role:         req.Role,
			AppID:        req.AppID,
			Status:       "pending",
			CreatedAt:    now,
			ExpiresAt:    now.Add(invitationTTL),
		}
		if err := d.Store.CreateInvitation(r.Context(), inv); err != nil {
			jsonError(w, http.StatusInternalServerError, ErrProviderError, "invitation create failed")
			return
		}
		writeJSON(w, http.StatusCreated, inv)
	}
}

// loadPendingInvitation fetches the invitation and applies lazy expiry.
// Returns nil after writing the error response.
func (d Dependencies) loadPendingInvitation(w http.ResponseWriter, r *http.Request) *store.InvitationRecord {
	inv, err := d.Store.GetInvitation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		jsonError(w, http.StatusInternalServerError, ErrProviderError, "invitation lookup failed")
		return nil
	}
	if inv == nil {
		jsonError(w, http.StatusNotFound, ErrNotFound, "invitation not found")
		return nil
	}
	if inv.ToEmail != IdentityFrom(r).Email {
		jsonError(w, http.StatusForbidden, ErrPermissionDenied, "invitation addressed to someone else")
		return nil
	}
	if inv.Status == "pending" && d.now().UTC().After(inv.ExpiresAt) {
		inv.Status = "expired"
		if err := d.Store.UpdateInvitation(r.Context(), *inv); err != nil {
			d.Log.Debug("invitation expiry write failed", "id", inv.ID, "error", err)
		}
	}
	if inv.Status != "pending" {
		jsonError(w, http.StatusBadRequest, ErrInvalidRequest, "invitation is "+inv.Status)
		return nil
	}
	return inv
}

// InvitationAcceptHandler accepts a pending invitation, creating the share.
// Acceptance is terminal.
func InvitationAcceptHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inv := d.loadPendingInvitation(w, r)
		if inv == nil {
			return
		}
		share := store.SharedAccessRecord{
			ID:            uuid.NewString(),
			OwnerUID:      inv.OwnerUID,
			SharedWithUID: IdentityFrom(r).UID,
			ResourceType:  inv.ResourceType,
			ResourceID:    inv.ResourceID,
			Role:          inv.Role,
			AppID:         inv.AppID,
			CreatedAt:     d.now().UTC(),
		}
		if err := d.Store.CreateShare(r.Context(), share); err != nil {
			jsonError(w, http.StatusInternalServerError, ErrProviderError, "share create failed")
			return
		}
		inv.Status = "accepted"
		if err := d.Store.UpdateInvitation(r.Context(), *inv); err != nil {
			jsonError(w, http.StatusInternalServerError, ErrProviderError, "invitation update failed")
			return
		}
		writeJSON(w, http.StatusOK, share)
	}
}

// InvitationDeclineHandler declines a pending invitation.
func InvitationDeclineHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inv := d.loadPendingInvitation(w, r)
		if inv == nil {
			return
		}
		inv.Status = "declined"
		if err := d.Store.UpdateInvitation(r.Context(), *inv); err != nil {
			jsonError(w, http.StatusInternalServerError, ErrProviderError, "invitation update failed")
			return
		}
		writeJSON(w, http.StatusOK, inv)
	}
}

// ShareDeleteHandler revokes a share. Either side of the share may revoke.
func ShareDeleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		share, err := d.Store.GetShare(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			jsonError(w, http.StatusInternalServerError, ErrProviderError, "share lookup failed")
			return
		}
		if share == nil {
			jsonError(w, http.StatusNotFound, ErrNotFound, "share not found")
			return
		}
		uid := IdentityFrom(r).UID
		if share.OwnerUID != uid && share.SharedWithUID != uid {
			jsonError(w, http.StatusForbidden, ErrPermissionDenied, "not a party to this share")
			return
		}
		if err := d.Store.DeleteShare(r.Context(), share.ID); err != nil {
			jsonError(w, http.StatusInternalServerError, ErrProviderError, "share delete failed")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
