package controller

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"beaconsync/internal/modules/sensors/service"
	"beaconsync/internal/modules/sensors/views"
	"beaconsync/internal/types"
	"beaconsync/internal/utils"
)

func (c *sensorsControllerImpl) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	c.renderHTML(w, r, views.RenderDashboard, "failed to render page")
}

func (c *sensorsControllerImpl) handleSensorsPartial(w http.ResponseWriter, r *http.Request) {
	c.renderHTML(w, r, views.RenderSensorsPartial, "failed to render")
}

func (c *sensorsControllerImpl) renderHTML(w http.ResponseWriter, r *http.Request, render func(w io.Writer, data *views.DashboardData) error, failMsg string) {
	data, err := c.dashboardData(r)
	if err != nil {
		c.logger.Error("dashboard: load sensors failed", "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to load sensors")
		return
	}
	var buf bytes.Buffer
	if err := render(&buf, data); err != nil {
		c.logger.Error("dashboard template render failed", "error", err)
		utils.WriteError(w, http.StatusInternalServerError, failMsg)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write(buf.Bytes()); err != nil {
		c.logger.Error("dashboard: write response failed", "error", err)
	}
}

func (c *sensorsControllerImpl) dashboardData(r *http.Request) (*views.DashboardData, error) {
	sensors, err := c.service.Sensors(r.Context())
	if err != nil {
		return nil, err
	}
	status, err := c.service.Status(r.Context())
	if err != nil {
		return nil, err
	}
	data := &views.DashboardData{Email: status.Email, Sensors: make([]views.SensorRow, 0, len(sensors))}
	for _, s := range sensors {
		data.Sensors = append(data.Sensors, sensorRow(s))
	}
	return data, nil
}

func sensorRow(s service.SensorView) views.SensorRow {
	row := views.SensorRow{ID: s.ID, Name: s.Name, Claimed: s.IsClaimed}
	if s.Latest == nil {
		return row
	}
	row.Temperature = s.Latest.Temperature
	row.Pressure = s.Latest.Pressure
	if s.Latest.Humidity != nil {
		pct := *s.Latest.Humidity * 100
		row.Humidity = &pct
	}
	at := s.Latest.Timestamp
	row.UpdatedAt = &at
	return row
}

func (c *sensorsControllerImpl) handleSensors(w http.ResponseWriter, r *http.Request) {
	sensors, err := c.service.Sensors(r.Context())
	if err != nil {
		utils.WriteErr(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, sensors)
}

func (c *sensorsControllerImpl) handleSensor(w http.ResponseWriter, r *http.Request) {
	sensor, err := c.service.Sensor(r.Context(), r.PathValue("id"))
	if err != nil {
		utils.WriteErr(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, sensor)
}

type renameRequest struct {
	Name string `json:"name"`
}

func (c *sensorsControllerImpl) handleRename(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if err := decodeBody(w, r, &req); err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		utils.WriteError(w, http.StatusBadRequest, "missing name")
		return
	}
	sensor, err := c.service.Rename(r.Context(), r.PathValue("id"), req.Name)
	if err != nil {
		utils.WriteErr(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, sensor)
}

func (c *sensorsControllerImpl) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := c.service.Delete(r.Context(), r.PathValue("id")); err != nil {
		utils.WriteErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *sensorsControllerImpl) handleRecords(w http.ResponseWriter, r *http.Request) {
	q, err := parseRecordsQuery(r)
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	records, err := c.service.Records(r.Context(), r.PathValue("id"), q.Since, q.Until, q.Interval)
	if err != nil {
		utils.WriteErr(w, err)
		return
	}
	if records == nil {
		records = []types.SensorRecord{}
	}
	utils.WriteJSON(w, http.StatusOK, records)
}

func (c *sensorsControllerImpl) handleLatest(w http.ResponseWriter, r *http.Request) {
	record, err := c.service.Latest(r.Context(), r.PathValue("id"))
	if err != nil {
		utils.WriteErr(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, record)
}

type offsetRequest struct {
	Value *float64 `json:"value"`
}

func (c *sensorsControllerImpl) handleSetOffset(w http.ResponseWriter, r *http.Request) {
	ch, err := types.ParseChannel(r.PathValue("channel"))
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req offsetRequest
	if err := decodeBody(w, r, &req); err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Value == nil {
		utils.WriteError(w, http.StatusBadRequest, "missing value")
		return
	}
	settings, err := c.service.SetOffset(r.Context(), r.PathValue("id"), ch, *req.Value)
	if err != nil {
		utils.WriteErr(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, settings)
}

func (c *sensorsControllerImpl) handleClearOffset(w http.ResponseWriter, r *http.Request) {
	ch, err := types.ParseChannel(r.PathValue("channel"))
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	settings, err := c.service.ClearOffset(r.Context(), r.PathValue("id"), ch)
	if err != nil {
		utils.WriteErr(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, settings)
}

func (c *sensorsControllerImpl) handleClaim(w http.ResponseWriter, r *http.Request) {
	sensor, err := c.service.Claim(r.Context(), r.PathValue("id"))
	if err != nil {
		utils.WriteErr(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, sensor)
}

func (c *sensorsControllerImpl) handleUnclaim(w http.ResponseWriter, r *http.Request) {
	sensor, err := c.service.Unclaim(r.Context(), r.PathValue("id"))
	if err != nil {
		utils.WriteErr(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, sensor)
}

func (c *sensorsControllerImpl) handleSync(w http.ResponseWriter, r *http.Request) {
	res, err := c.service.Sync(r.Context())
	if err != nil {
		utils.WriteErr(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, res)
}

type logsResponse struct {
	Records int `json:"records"`
}

func (c *sensorsControllerImpl) handleSyncLogs(w http.ResponseWriter, r *http.Request) {
	n, err := c.service.SyncLogs(r.Context(), r.PathValue("id"))
	if err != nil {
		utils.WriteErr(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, logsResponse{Records: n})
}

func (c *sensorsControllerImpl) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := c.service.Status(r.Context())
	if err != nil {
		utils.WriteErr(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, st)
}

type codeRequest struct {
	Email string `json:"email"`
}

type verifyRequest struct {
	Code string `json:"code"`
}

type sessionResponse struct {
	Email string `json:"email"`
}

func (c *sensorsControllerImpl) handleRequestCode(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if err := decodeBody(w, r, &req); err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Email) == "" {
		utils.WriteError(w, http.StatusBadRequest, "missing email")
		return
	}
	email, err := c.service.RequestCode(r.Context(), req.Email)
	if err != nil {
		utils.WriteErr(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusAccepted, sessionResponse{Email: email})
}

func (c *sensorsControllerImpl) handleVerifyCode(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeBody(w, r, &req); err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		utils.WriteError(w, http.StatusBadRequest, "missing code")
		return
	}
	email, err := c.service.VerifyCode(r.Context(), strings.TrimSpace(req.Code))
	if err != nil {
		utils.WriteErr(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, sessionResponse{Email: email})
}

func (c *sensorsControllerImpl) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if err := c.service.SignOut(); err != nil {
		utils.WriteErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
