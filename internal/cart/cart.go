package cart

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ariefcatur/edgewood-kitchen/internal/catalog"
	"github.com/shopspring/decimal"
)

var (
	ErrOutOfStock      = errors.New("out of stock")
	ErrInvalidQuantity = errors.New("invalid quantity")
	ErrUnknownMeal     = errors.New("unknown meal")
)

// OutOfStockError reports a reservation that would push a meal's stock
// below zero. It matches ErrOutOfStock with errors.Is.
type OutOfStockError struct {
	MealID    int
	Name      string
	Requested int
	Available int
}

func (e *OutOfStockError) Error() string {
	return fmt.Sprintf("%s is out of stock: requested %d, available %d", e.Name, e.Requested, e.Available)
}

func (e *OutOfStockError) Is(target error) bool { return target == ErrOutOfStock }

type Line struct {
	MealID    int             `json:"meal_id"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

func (l Line) Total() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// State is the cart plus the local stock mirror it reserves against.
//
// For every meal, stock + held == baseline, where held is the quantity
// currently reserved by the cart line for that meal. A line normally holds
// its full quantity; after Release it holds nothing until Reserve runs again.
// State is not safe for concurrent use.
type State struct {
	meals []catalog.Meal
	index map[int]int
	lines []Line
	held  map[int]int
}

func New(meals []catalog.Meal) *State {
	s := &State{
		meals: append([]catalog.Meal(nil), meals...),
		index: make(map[int]int, len(meals)),
		held:  map[int]int{},
	}
	for i, m := range s.meals {
		s.index[m.ID] = i
	}
	return s
}

func (s *State) Meals() []catalog.Meal {
	return append([]catalog.Meal(nil), s.meals...)
}

func (s *State) Lines() []Line {
	return append([]Line(nil), s.lines...)
}

func (s *State) Len() int { return len(s.lines) }

// Available is the unreserved stock for a meal.
func (s *State) Available(mealID int) (int, bool) {
	i, ok := s.index[mealID]
	if !ok {
		return 0, false
	}
	return s.meals[i].Stock, true
}

func (s *State) Held(mealID int) int { return s.held[mealID] }

// Baseline is stock plus whatever the cart holds for the meal.
func (s *State) Baseline(mealID int) int {
	avail, _ := s.Available(mealID)
	return avail + s.held[mealID]
}

func (s *State) line(mealID int) (int, bool) {
	for i, l := range s.lines {
		if l.MealID == mealID {
			return i, true
		}
	}
	return -1, false
}

// SetQuantity creates, updates or removes the line for mealID and moves the
// difference between the old and new reservation in or out of stock.
func (s *State) SetQuantity(mealID, qty int) error {
	if qty < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidQuantity, qty)
	}
	mi, ok := s.index[mealID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownMeal, mealID)
	}
	meal := &s.meals[mi]
	held := s.held[mealID]
	if limit := meal.Stock + held; qty > limit {
		return &OutOfStockError{MealID: mealID, Name: meal.Name, Requested: qty, Available: limit}
	}

	meal.Stock -= qty - held
	li, exists := s.line(mealID)
	switch {
	case qty == 0:
		delete(s.held, mealID)
		if exists {
			s.lines = append(s.lines[:li], s.lines[li+1:]...)
		}
	case exists:
		s.held[mealID] = qty
		s.lines[li].Quantity = qty
	default:
		s.held[mealID] = qty
		s.lines = append(s.lines, Line{MealID: mealID, Name: meal.Name, Quantity: qty, UnitPrice: meal.UnitPrice})
	}
	return nil
}

func (s *State) RemoveLine(mealID int) {
	if _, ok := s.index[mealID]; !ok {
		return
	}
	_ = s.SetQuantity(mealID, 0)
}

func (s *State) TotalCost() decimal.Decimal {
	total := decimal.Zero
	for _, l := range s.lines {
		total = total.Add(l.Total())
	}
	return total
}

// Clear drops every line and returns everything held to stock.
func (s *State) Clear() {
	s.Release()
	s.lines = nil
}

// Release returns held stock but keeps the lines, so the customer can retry.
func (s *State) Release() {
	for id, q := range s.held {
		s.meals[s.index[id]].Stock += q
	}
	s.held = map[int]int{}
}

// Reserve re-holds lines that were released. Nothing changes unless every
// line can be held.
func (s *State) Reserve() error {
	for _, l := range s.lines {
		need := l.Quantity - s.held[l.MealID]
		if need <= 0 {
			continue
		}
		meal := s.meals[s.index[l.MealID]]
		if meal.Stock < need {
			return &OutOfStockError{MealID: l.MealID, Name: meal.Name, Requested: l.Quantity, Available: meal.Stock + s.held[l.MealID]}
		}
	}
	for _, l := range s.lines {
		need := l.Quantity - s.held[l.MealID]
		if need <= 0 {
			continue
		}
		s.meals[s.index[l.MealID]].Stock -= need
		s.held[l.MealID] = l.Quantity
	}
	return nil
}

// Commit hands the ordered quantities over to a persisted order. Each
// ordered unit leaves the baseline, taken from the cart's hold first and
// from stock for the rest. Whatever a line holds beyond the ordered
// quantity stays in the cart, so edits made while the order was being
// placed survive.
func (s *State) Commit(ordered []Line) {
	for _, o := range ordered {
		mi, ok := s.index[o.MealID]
		if !ok || o.Quantity <= 0 {
			continue
		}
		h := s.held[o.MealID]
		take := min(o.Quantity, h)
		s.held[o.MealID] = h - take
		s.meals[mi].Stock -= o.Quantity - take

		li, exists := s.line(o.MealID)
		if !exists {
			delete(s.held, o.MealID)
			continue
		}
		left := s.lines[li].Quantity - o.Quantity
		if left <= 0 {
			s.meals[mi].Stock += s.held[o.MealID]
			delete(s.held, o.MealID)
			s.lines = append(s.lines[:li], s.lines[li+1:]...)
			continue
		}
		s.lines[li].Quantity = left
		if extra := s.held[o.MealID] - left; extra > 0 {
			s.meals[mi].Stock += extra
			s.held[o.MealID] = left
		}
		if s.held[o.MealID] == 0 {
			delete(s.held, o.MealID)
		}
	}
}

type snapshot struct {
	Meals []catalog.Meal `json:"meals"`
	Lines []Line         `json:"lines"`
	Held  map[int]int    `json:"held"`
}

func (s *State) MarshalJSON() ([]byte, error) {
	return json.Marshal(snapshot{Meals: s.meals, Lines: s.lines, Held: s.held})
}

// UnmarshalJSON rejects snapshots that would break stock + held ==
// baseline: unknown meals, negative stock, duplicate lines, or holds that
// do not match a line.
func (s *State) UnmarshalJSON(b []byte) error {
	var snap snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return err
	}
	st := New(snap.Meals)
	if len(st.index) != len(snap.Meals) {
		return errors.New("cart snapshot: duplicate meal ids")
	}
	for _, m := range st.meals {
		if m.Stock < 0 {
			return fmt.Errorf("cart snapshot: meal %d has negative stock %d", m.ID, m.Stock)
		}
	}
	qty := make(map[int]int, len(snap.Lines))
	for _, l := range snap.Lines {
		if _, ok := st.index[l.MealID]; !ok {
			return fmt.Errorf("%w: %d", ErrUnknownMeal, l.MealID)
		}
		if l.Quantity <= 0 {
			return fmt.Errorf("%w: line %d has quantity %d", ErrInvalidQuantity, l.MealID, l.Quantity)
		}
		if _, dup := qty[l.MealID]; dup {
			return fmt.Errorf("cart snapshot: duplicate line for meal %d", l.MealID)
		}
		qty[l.MealID] = l.Quantity
		st.lines = append(st.lines, l)
	}
	for id, h := range snap.Held {
		if h == 0 {
			continue
		}
		q, ok := qty[id]
		if !ok || h < 0 || h > q {
			return fmt.Errorf("cart snapshot: meal %d holds %d against a line of %d", id, h, q)
		}
		st.held[id] = h
	}
	*s = *st
	return nil
}
