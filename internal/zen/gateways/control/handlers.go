package control

import (
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/anassk/zenflowd/internal/zen/common/utils"
	"github.com/anassk/zenflowd/internal/zen/domain"
	"github.com/anassk/zenflowd/internal/zen/services/focus"
)

type addDomainRequest struct {
	Domain string `json:"domain"`
	Mode   string `json:"mode"` // exact or subtree; subtree when empty
}

type toggleDomainRequest struct {
	Active *bool `json:"active"`
}

type discoveryRequest struct {
	Seeds []string `json:"seeds"`
}

type promoteRequest struct {
	Host    string `json:"host"`
	RuleSet string `json:"rule_set"`
	Mode    string `json:"mode"` // exact or subtree; subtree when empty
}

type statsRangeResponse struct {
	From string              `json:"from"`
	To   string              `json:"to"`
	Days []domain.DailyStats `json:"days"`
}

// todayStatsResponse pairs today's tallies with the configured daily goal so
// clients can render progress without a config round trip.
type todayStatsResponse struct {
	domain.DailyStats
	Goal int `json:"goal"`
}

func (s *Server) getStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.sessions.Status())
}

// sessionOp wraps one focus transition: apply it, then answer with the
// machine's fresh status so clients need no second round trip.
func (s *Server) sessionOp(op func() error) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := op(); err != nil {
			return mapError(err)
		}
		return c.JSON(http.StatusOK, s.sessions.Status())
	}
}

func (s *Server) listRuleSets(c echo.Context) error {
	sets := s.rules.List()
	sort.Slice(sets, func(i, j int) bool { return sets[i].Name < sets[j].Name })
	return c.JSON(http.StatusOK, sets)
}

func (s *Server) getRuleSet(c echo.Context) error {
	rs, err := s.rules.Get(c.Param("name"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, rs)
}

func (s *Server) addDomain(c echo.Context) error {
	var req addDomainRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	mode, err := parseMode(req.Mode)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	r, err := domain.NewRule(req.Domain, mode, domain.OriginManual, s.clock.Now())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.rules.AddRule(c.Param("name"), r); err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, r)
}

func (s *Server) removeDomain(c echo.Context) error {
	if err := s.rules.RemoveRule(c.Param("name"), c.Param("domain")); err != nil {
		return mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) toggleDomain(c echo.Context) error {
	var req toggleDomainRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if req.Active == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "active is required")
	}
	set, name := c.Param("name"), c.Param("domain")
	if err := s.rules.SetRuleActive(set, name, *req.Active); err != nil {
		return mapError(err)
	}
	rs, err := s.rules.Get(set)
	if err != nil {
		return mapError(err)
	}
	r, ok := rs.FindRule(utils.CanonicalHostname(name))
	if !ok {
		return mapError(domain.ErrNoSuchRule)
	}
	return c.JSON(http.StatusOK, r)
}

func (s *Server) runDiscovery(c echo.Context) error {
	var req discoveryRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if len(req.Seeds) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "at least one seed is required")
	}
	report := s.discovery.Run(c.Request().Context(), req.Seeds)
	return c.JSON(http.StatusOK, report)
}

func (s *Server) listCandidates(c echo.Context) error {
	return c.JSON(http.StatusOK, s.discovery.Candidates())
}

func (s *Server) promoteCandidate(c echo.Context) error {
	var req promoteRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if req.Host == "" || req.RuleSet == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "host and rule_set are required")
	}
	if !utils.ValidHostname(utils.CanonicalHostname(req.Host)) {
		return echo.NewHTTPError(http.StatusBadRequest, "host is not a valid hostname")
	}
	mode, err := parseMode(req.Mode)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	r, err := s.discovery.Promote(req.Host, req.RuleSet, mode)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, r)
}

func (s *Server) statsToday(c echo.Context) error {
	st, err := s.history.Today(domain.DayKey(s.clock.Now()))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, todayStatsResponse{DailyStats: st, Goal: s.goal})
}

func (s *Server) recentSessions(c echo.Context) error {
	limit := 20
	if q := c.QueryParam("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 || n > 200 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be an integer between 1 and 200")
		}
		limit = n
	}
	list, err := s.history.RecentSessions(limit)
	if err != nil {
		return mapError(err)
	}
	if list == nil {
		list = []domain.Session{}
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) statsRange(c echo.Context) error {
	days := 7
	if q := c.QueryParam("days"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 || n > 365 {
			return echo.NewHTTPError(http.StatusBadRequest, "days must be an integer between 1 and 365")
		}
		days = n
	}
	now := s.clock.Now()
	from := domain.DayKey(now.AddDate(0, 0, -(days - 1)))
	to := domain.DayKey(now)

	list, err := s.history.Range(from, to)
	if err != nil {
		return mapError(err)
	}
	if list == nil {
		list = []domain.DailyStats{}
	}
	return c.JSON(http.StatusOK, statsRangeResponse{From: from, To: to, Days: list})
}

// parseMode maps the wire form to a MatchMode, defaulting to subtree so
// blocking a site covers its subdomains unless the caller narrows it.
func parseMode(s string) (domain.MatchMode, error) {
	if s == "" {
		return domain.MatchSubtree, nil
	}
	return domain.ParseMatchMode(s)
}

// mapError translates domain failures into status codes: transition
// conflicts and duplicates are 409, unknown names 404, the rest 500.
func mapError(err error) error {
	switch {
	case errors.Is(err, focus.ErrSessionActive),
		errors.Is(err, focus.ErrNoSession),
		errors.Is(err, focus.ErrAlreadyPaused),
		errors.Is(err, focus.ErrNotPaused),
		errors.Is(err, domain.ErrDuplicateRule):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrNoSuchRuleSet),
		errors.Is(err, domain.ErrNoSuchRule):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
