// Package api serves a read-mostly HTTP view of a live sim: its quantizers,
// their encodings, and an endpoint to load an encodings document.
package api

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/quantsim/internal/encodings"
	"github.com/samcharles93/quantsim/internal/quantizer"
	"github.com/samcharles93/quantsim/internal/quantsim"
)

// Server guards one sim. A sim is not safe for concurrent use, so every
// handler holds mu while it touches it.
type Server struct {
	mu  sync.Mutex
	sim *quantsim.Sim
}

func NewServer(sim *quantsim.Sim) *Server {
	return &Server{sim: sim}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/v1/sim", s.handleGetSim, requestID, s.requireSim)
	e.GET("/v1/sim/quantizers", s.handleListQuantizers, requestID, s.requireSim)
	e.GET("/v1/sim/quantizers/:name", s.handleGetQuantizer, requestID, s.requireSim)
	e.GET("/v1/sim/encodings", s.handleGetEncodings, requestID, s.requireSim)
	e.POST("/v1/sim/encodings", s.handleApplyEncodings, requestID, s.requireSim)
}

func (s *Server) requireSim(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		if s.sim == nil {
			return writeError(c, ErrNoSim, nil)
		}
		return next(c)
	}
}

func (s *Server) handleGetSim(c *echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	opts := s.sim.Options()
	info := SimInfo{
		ID:                    s.sim.ID().String(),
		Object:                "sim",
		QuantScheme:           opts.QuantScheme.String(),
		DefaultOutputBitwidth: opts.DefaultOutputBitwidth,
		DefaultParamBitwidth:  opts.DefaultParamBitwidth,
		DefaultDataType:       opts.DefaultDataType.String(),
		Ops:                   len(s.sim.Wrappers()),
		Activations:           len(s.sim.ActivationNames()),
		Params:                len(s.sim.ParamNames()),
	}
	for _, q := range s.sim.Quantizers() {
		if q.Enabled() {
			info.Enabled++
		}
		if q.Calibrated() {
			info.Calibrated++
		}
	}
	return c.JSON(http.StatusOK, info)
}

func quantizerInfo(q *quantizer.Quantizer) QuantizerInfo {
	info := QuantizerInfo{
		Name:       q.Name(),
		Object:     "quantizer",
		Kind:       q.Kind().String(),
		State:      q.State().String(),
		Enabled:    q.Enabled(),
		Bitwidth:   q.Bitwidth(),
		DataType:   q.DataType().String(),
		Symmetry:   q.Symmetry().String(),
		PerChannel: q.PerChannel(),
		Channels:   q.NumOutputChannels(),
		Device:     q.Device(),
	}
	if encodings.Exported(q) {
		info.Encodings = encodings.Records(q)
	}
	return info
}

func (s *Server) handleListQuantizers(c *echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kind := c.QueryParam("kind")
	if kind != "" && kind != quantizer.KindActivation.String() && kind != quantizer.KindParam.String() {
		return writeError(c, newInvalidRequest("kind must be activation or param"), nil)
	}
	out := QuantizerList{Object: "list", Data: []QuantizerInfo{}}
	for _, q := range s.sim.Quantizers() {
		if kind != "" && q.Kind().String() != kind {
			continue
		}
		out.Data = append(out.Data, quantizerInfo(q))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetQuantizer(c *echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := c.Param("name")
	q, ok := s.sim.Quantizer(name)
	if !ok {
		return writeError(c, fmt.Errorf("%w: %q", ErrUnknownQuantizer, name), nil)
	}
	return c.JSON(http.StatusOK, quantizerInfo(q))
}

func (s *Server) handleGetEncodings(c *echo.Context) error {
	propagate, err := boolParam(c, "propagate", false)
	if err != nil {
		return writeError(c, err, nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return c.JSON(http.StatusOK, s.sim.Encodings(quantsim.ExportOptions{PropagateEncodings: propagate}))
}

func (s *Server) handleApplyEncodings(c *echo.Context) error {
	strict, err := boolParam(c, "strict", true)
	if err != nil {
		return writeError(c, err, nil)
	}
	doc, err := encodings.Read(c.Request().Body)
	if err != nil {
		return writeError(c, newInvalidRequest(err.Error()), nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	mismatches, err := s.sim.ApplyEncodings(doc, strict)
	if err != nil {
		return writeError(c, err, mismatches)
	}
	if mismatches == nil {
		mismatches = []string{}
	}
	return c.JSON(http.StatusOK, ApplyEncodingsResponse{
		Object:     "encodings.apply",
		Strict:     strict,
		Applied:    true,
		Mismatches: mismatches,
	})
}
