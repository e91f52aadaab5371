package api

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"rently/internal/domain"
	"rently/internal/models"
	"rently/internal/service"
)

func (s *HTTPServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	p := mustPrincipal(r)

	var body createReservationRequest
	if !s.decode(w, r, &body) {
		return
	}
	start, end, ok := parseRange(w, body.StartDate, body.EndDate)
	if !ok {
		return
	}
	guestID := body.GuestID
	if guestID == 0 {
		guestID = p.ID
	}

	res, err := s.reservations.Create(r.Context(), p, service.CreateRequest{
		AccommodationID: body.AccommodationID,
		GuestID:         guestID,
		StartDate:       start,
		EndDate:         end,
		GuestCount:      body.GuestCount,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/reservations/"+res.ID)
	writeJSON(w, http.StatusCreated, toReservationResponse(res))
}

func (s *HTTPServer) handleList(w http.ResponseWriter, r *http.Request) {
	p := mustPrincipal(r)

	filter, err := parseFilter(r)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if err := s.narrow(r.Context(), p, &filter); err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	page, err := s.reservations.Search(r.Context(), filter)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pageResponse{
		Items: toReservationList(page.Items),
		Total: page.Total,
		Page:  page.Page,
		Size:  page.Size,
	})
}

func (s *HTTPServer) handleGet(w http.ResponseWriter, r *http.Request) {
	res, ok := s.loadVisible(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toReservationResponse(res))
}

func (s *HTTPServer) handleUpdate(w http.ResponseWriter, r *http.Request) {
	p := mustPrincipal(r)

	var body updateReservationRequest
	if !s.decode(w, r, &body) {
		return
	}
	var req service.UpdateRequest
	if body.StartDate != nil {
		d, err := models.ParseDate(*body.StartDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "start_date must be a YYYY-MM-DD date")
			return
		}
		req.StartDate = &d
	}
	if body.EndDate != nil {
		d, err := models.ParseDate(*body.EndDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "end_date must be a YYYY-MM-DD date")
			return
		}
		req.EndDate = &d
	}
	req.GuestCount = body.GuestCount

	res, err := s.reservations.Update(r.Context(), p, r.PathValue("id"), req)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationResponse(res))
}

func (s *HTTPServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	p := mustPrincipal(r)
	if err := s.reservations.Delete(r.Context(), p, r.PathValue("id")); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleChangeState(w http.ResponseWriter, r *http.Request) {
	p := mustPrincipal(r)

	var body changeStateRequest
	if !s.decode(w, r, &body) {
		return
	}
	target, err := models.ParseStatus(body.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.reservations.ChangeState(r.Context(), p, r.PathValue("id"), target, body.Reason)
	var illegal *domain.TransitionError
	if errors.As(err, &illegal) {
		allowed := []string{}
		for _, st := range service.Allowed(illegal.From) {
			allowed = append(allowed, string(st))
		}
		writeJSON(w, http.StatusBadRequest, illegalTransitionResponse{
			Error:   illegal.Error(),
			Kind:    string(domain.KindInvalidState),
			Allowed: allowed,
		})
		return
	}
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationResponse(res))
}

func (s *HTTPServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	p := mustPrincipal(r)
	res, err := s.reservations.CancelByGuest(r.Context(), p, r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationResponse(res))
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	res, ok := s.loadVisible(w, r)
	if !ok {
		return
	}
	history, err := s.reservations.History(r.Context(), res.ID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	out := make([]transitionResponse, 0, len(history))
	for _, t := range history {
		out = append(out, transitionResponse{
			From:      string(t.From),
			To:        string(t.To),
			ActorID:   t.ActorID,
			ActorRole: string(t.ActorRole),
			Reason:    t.Reason,
			CreatedAt: t.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"reservation_id": res.ID, "transitions": out})
}

func (s *HTTPServer) handleOccupancy(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid accommodation id")
		return
	}
	q := r.URL.Query()
	from, err := parseOptionalDate(q.Get("from"), "from")
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	to, err := parseOptionalDate(q.Get("to"), "to")
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	active, err := s.reservations.Occupancy(r.Context(), id, from, to)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	resp := occupancyResponse{
		AccommodationID: id,
		From:            models.FormatDate(from),
		To:              models.FormatDate(to),
		Periods:         make([]occupiedPeriod, 0, len(active)),
	}
	for _, res := range active {
		resp.Periods = append(resp.Periods, occupiedPeriod{
			StartDate: models.FormatDate(res.StartDate),
			EndDate:   models.FormatDate(res.EndDate),
			Status:    string(res.Status),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// loadVisible fetches the path reservation and hides it from principals
// that may not see it.
func (s *HTTPServer) loadVisible(w http.ResponseWriter, r *http.Request) (*models.Reservation, bool) {
	p := mustPrincipal(r)
	id := r.PathValue("id")

	res, err := s.reservations.FindByID(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return nil, false
	}
	visible, err := s.canSee(r.Context(), p, res)
	if err != nil {
		s.writeDomainError(w, r, err)
		return nil, false
	}
	if !visible {
		s.writeDomainError(w, r, domain.NotFound("reservation %s not found", id))
		return nil, false
	}
	return res, true
}

func (s *HTTPServer) canSee(ctx context.Context, p models.Principal, res *models.Reservation) (bool, error) {
	switch {
	case p.IsAdmin():
		return true, nil
	case res.GuestID == p.ID:
		return true, nil
	case p.Role == models.RoleHost:
		owned, err := s.accommodations.ListByHost(ctx, p.ID)
		if err != nil {
			return false, err
		}
		return slices.Contains(owned, res.AccommodationID), nil
	}
	return false, nil
}

// narrow restricts a listing to what the principal may see: guests their
// own reservations, hosts their accommodations, admins everything.
func (s *HTTPServer) narrow(ctx context.Context, p models.Principal, f *models.Filter) error {
	switch p.Role {
	case models.RoleAdmin:
		return nil
	case models.RoleHost:
		owned, err := s.accommodations.ListByHost(ctx, p.ID)
		if err != nil {
			return err
		}
		if f.AccommodationIDs == nil {
			f.AccommodationIDs = append([]int64{}, owned...)
			return nil
		}
		scoped := []int64{}
		for _, id := range f.AccommodationIDs {
			if slices.Contains(owned, id) {
				scoped = append(scoped, id)
			}
		}
		f.AccommodationIDs = scoped
		return nil
	default:
		f.GuestID = p.ID
		return nil
	}
}

func parseFilter(r *http.Request) (models.Filter, error) {
	q := r.URL.Query()
	var f models.Filter

	if raw := q.Get("status"); raw != "" {
		st, err := models.ParseStatus(raw)
		if err != nil {
			return f, domain.Validation("%s", err.Error())
		}
		f.Status = st
	}
	var err error
	if f.StartFrom, err = parseOptionalDate(q.Get("start_from"), "start_from"); err != nil {
		return f, err
	}
	if f.EndTo, err = parseOptionalDate(q.Get("end_to"), "end_to"); err != nil {
		return f, err
	}
	if raw := q["accommodation_id"]; len(raw) > 0 {
		f.AccommodationIDs = []int64{}
		for _, v := range raw {
			for _, part := range splitCSV(v) {
				id, err := strconv.ParseInt(part, 10, 64)
				if err != nil || id <= 0 {
					return f, domain.Validation("invalid accommodation_id %q", part)
				}
				f.AccommodationIDs = append(f.AccommodationIDs, id)
			}
		}
	}
	if raw := q.Get("guest_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return f, domain.Validation("invalid guest_id %q", raw)
		}
		f.GuestID = id
	}
	if f.Sort, err = models.ParseSortField(q.Get("sort")); err != nil {
		return f, domain.Validation("%s", err.Error())
	}
	switch strings.ToLower(q.Get("order")) {
	case "", "desc":
	case "asc":
		f.Ascending = true
	default:
		return f, domain.Validation("order must be asc or desc")
	}
	if f.Page, err = parseOptionalInt(q.Get("page"), "page"); err != nil {
		return f, err
	}
	if f.Page > models.MaxPage {
		return f, domain.Validation("page must not exceed %d", models.MaxPage)
	}
	if f.Size, err = parseOptionalInt(q.Get("size"), "size"); err != nil {
		return f, err
	}
	return f, nil
}

func parseRange(w http.ResponseWriter, rawStart, rawEnd string) (time.Time, time.Time, bool) {
	start, err := models.ParseDate(rawStart)
	if err != nil {
		writeError(w, http.StatusBadRequest, "start_date must be a YYYY-MM-DD date")
		return time.Time{}, time.Time{}, false
	}
	end, err := models.ParseDate(rawEnd)
	if err != nil {
		writeError(w, http.StatusBadRequest, "end_date must be a YYYY-MM-DD date")
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}

func parseOptionalDate(raw, name string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	d, err := models.ParseDate(raw)
	if err != nil {
		return time.Time{}, domain.Validation("%s must be a YYYY-MM-DD date", name)
	}
	return d, nil
}

func parseOptionalInt(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, domain.Validation("%s must be a non-negative integer", name)
	}
	return n, nil
}

func mustPrincipal(r *http.Request) models.Principal {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		panic("api: handler reached without an authenticated principal")
	}
	return p
}
