package main

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/firetracker/geodata/internal/formsync"
	"github.com/firetracker/geodata/internal/geodata"
	"github.com/firetracker/geodata/internal/storage"
)

func (s *Server) provinces(c *gin.Context) {
	provinces, err := s.store.ListProvinces(c.Request.Context())
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	s.success(c, http.StatusOK, provinces)
}

func (s *Server) districts(c *gin.Context) {
	districts, err := s.store.ListDistricts(c.Request.Context())
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	s.success(c, http.StatusOK, districts)
}

func (s *Server) firePoints(c *gin.Context) {
	filter, err := firePointFilter(c)
	if err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	points, err := s.store.ListFirePoints(c.Request.Context(), filter)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	s.success(c, http.StatusOK, points)
}

// firePointFilter reads date_from, date_to and min_confidence. A date-only
// date_to covers the whole day.
func firePointFilter(c *gin.Context) (storage.FirePointFilter, error) {
	var f storage.FirePointFilter
	if v := c.Query("date_from"); v != "" {
		t, _, err := parseDate(v)
		if err != nil {
			return f, fmt.Errorf("invalid date_from %q", v)
		}
		f.From = &t
	}
	if v := c.Query("date_to"); v != "" {
		t, dateOnly, err := parseDate(v)
		if err != nil {
			return f, fmt.Errorf("invalid date_to %q", v)
		}
		if dateOnly {
			t = t.Add(24*time.Hour - time.Nanosecond)
		}
		f.To = &t
	}
	if v := c.Query("min_confidence"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, fmt.Errorf("invalid min_confidence %q", v)
		}
		f.MinConfidence = &n
	}
	return f, nil
}

func parseDate(v string) (time.Time, bool, error) {
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t, true, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	return t, false, err
}

func (s *Server) overview(c *gin.Context) {
	ov, err := s.store.Overview(c.Request.Context())
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	s.success(c, http.StatusOK, ov)
}

func (s *Server) dataStatus(c *gin.Context) {
	st, err := s.store.DataStatus(c.Request.Context())
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	s.success(c, http.StatusOK, st)
}

// uploadFormats returns the format selector state for a data type, so
// clients can keep their own upload forms in line with server validation.
func (s *Server) uploadFormats(c *gin.Context) {
	state, err := formsync.OnDataTypeChanged(formsync.State{}, geodata.DataType(c.Query("data_type")))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, geodata.ErrUnknownDataType) {
			status = http.StatusBadRequest
		}
		s.fail(c, status, err)
		return
	}
	if f := geodata.Format(c.Query("upload_format")); f != "" && state.Offers(f) {
		state = formsync.OnFormatChanged(state, f)
	}
	s.success(c, http.StatusOK, state)
}
