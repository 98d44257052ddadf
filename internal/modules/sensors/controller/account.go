package controller

import (
	"errors"
	"mime"
	"net/http"
	"strings"

	"beaconsync/internal/cloud"
	"beaconsync/internal/types"
	"beaconsync/internal/utils"
)

const maxImageBytes = 5 << 20

type sharesResponse struct {
	SharedTo []string `json:"sharedTo"`
}

type shareRequest struct {
	Email string `json:"email"`
}

func (c *sensorsControllerImpl) handleShares(w http.ResponseWriter, r *http.Request) {
	emails, err := c.service.Shares(r.Context(), r.PathValue("id"))
	if err != nil {
		utils.WriteErr(w, err)
		return
	}
	if emails == nil {
		emails = []string{}
	}
	utils.WriteJSON(w, http.StatusOK, sharesResponse{SharedTo: emails})
}

func (c *sensorsControllerImpl) handleShare(w http.ResponseWriter, r *http.Request) {
	var req shareRequest
	if err := decodeBody(w, r, &req); err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Email) == "" {
		utils.WriteError(w, http.StatusBadRequest, "missing email")
		return
	}
	if err := c.service.Share(r.Context(), r.PathValue("id"), req.Email); err != nil {
		utils.WriteErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUnshare removes the account named in the path, or everyone.
func (c *sensorsControllerImpl) handleUnshare(w http.ResponseWriter, r *http.Request) {
	if err := c.service.Unshare(r.Context(), r.PathValue("id"), r.PathValue("email")); err != nil {
		utils.WriteErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *sensorsControllerImpl) handleAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := c.service.Alerts(r.Context(), r.PathValue("id"))
	if err != nil {
		utils.WriteErr(w, err)
		return
	}
	if alerts == nil {
		alerts = []cloud.Alert{}
	}
	utils.WriteJSON(w, http.StatusOK, alerts)
}

type alertRequest struct {
	Enabled     bool     `json:"enabled"`
	Min         *float64 `json:"min"`
	Max         *float64 `json:"max"`
	Description string   `json:"description"`
}

func (c *sensorsControllerImpl) handleSetAlert(w http.ResponseWriter, r *http.Request) {
	var req alertRequest
	if err := decodeBody(w, r, &req); err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Min == nil || req.Max == nil {
		utils.WriteError(w, http.StatusBadRequest, "missing min or max")
		return
	}
	a := cloud.Alert{
		Type:        r.PathValue("type"),
		Enabled:     req.Enabled,
		Min:         *req.Min,
		Max:         *req.Max,
		Description: req.Description,
	}
	out, err := c.service.SetAlert(r.Context(), r.PathValue("id"), a)
	if err != nil {
		utils.WriteErr(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, out)
}

type imageResponse struct {
	URL string `json:"url"`
}

// handleUploadImage takes the raw image as the body with its Content-Type.
func (c *sensorsControllerImpl) handleUploadImage(w http.ResponseWriter, r *http.Request) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "image/") {
		utils.WriteError(w, http.StatusUnsupportedMediaType, "body must be an image")
		return
	}
	body := http.MaxBytesReader(w, r.Body, maxImageBytes)
	u, err := c.service.UploadImage(r.Context(), r.PathValue("id"), mediaType, body)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			utils.WriteError(w, http.StatusRequestEntityTooLarge, "image too large")
			return
		}
		utils.WriteErr(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, imageResponse{URL: u})
}

func (c *sensorsControllerImpl) handleResetImage(w http.ResponseWriter, r *http.Request) {
	if err := c.service.ResetImage(r.Context(), r.PathValue("id")); err != nil {
		utils.WriteErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *sensorsControllerImpl) handleAccountSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := c.service.AccountSettings(r.Context())
	if err != nil {
		utils.WriteErr(w, err)
		return
	}
	if settings == nil {
		settings = map[string]string{}
	}
	utils.WriteJSON(w, http.StatusOK, settings)
}

type settingRequest struct {
	Value *string `json:"value"`
}

func (c *sensorsControllerImpl) handleSetAccountSetting(w http.ResponseWriter, r *http.Request) {
	var req settingRequest
	if err := decodeBody(w, r, &req); err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Value == nil {
		utils.WriteError(w, http.StatusBadRequest, "missing value")
		return
	}
	if err := c.service.SetAccountSetting(r.Context(), r.PathValue("name"), *req.Value); err != nil {
		utils.WriteErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type virtualSensorRequest struct {
	Name      string   `json:"name"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

func (c *sensorsControllerImpl) handleAddVirtualSensor(w http.ResponseWriter, r *http.Request) {
	var req virtualSensorRequest
	if err := decodeBody(w, r, &req); err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Latitude == nil || req.Longitude == nil {
		utils.WriteError(w, http.StatusBadRequest, "missing latitude or longitude")
		return
	}
	view, err := c.service.AddVirtualSensor(r.Context(), req.Name, types.Location{Latitude: *req.Latitude, Longitude: *req.Longitude})
	if err != nil {
		utils.WriteErr(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusCreated, view)
}
