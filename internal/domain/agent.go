package domain

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// State — состояние агента в автомате жизненного цикла.
type State string

const (
	StateRequested    State = "requested"    // Заявка принята, агент еще не создан
	StateProvisioning State = "provisioning" // Внешний провижинер поднимает агента
	StateActive       State = "active"       // Рабочий режим
	StateDegraded     State = "degraded"     // Здоровье ниже нормы, без деструктивных действий
	StateRetiring     State = "retiring"     // Идет депровижининг
	StateRetired      State = "retired"      // Терминальное
	StateFailed       State = "failed"       // Терминальное: провижининг не удался
)

// transitions — единственный источник правды о допустимых переходах.
var transitions = map[State][]State{
	StateRequested:    {StateProvisioning},
	StateProvisioning: {StateActive, StateFailed},
	StateActive:       {StateDegraded, StateRetiring},
	StateDegraded:     {StateActive, StateRetiring},
	StateRetiring:     {StateRetired},
}

// AllStates возвращает все состояния автомата.
func AllStates() []State {
	return []State{StateRequested, StateProvisioning, StateActive, StateDegraded, StateRetiring, StateRetired, StateFailed}
}

func (s State) IsValid() bool {
	return slices.Contains(AllStates(), s)
}

// IsTerminal: из Retired и Failed переходов нет.
func (s State) IsTerminal() bool {
	return s == StateRetired || s == StateFailed
}

// IsLive проверяет, что агент существует и обслуживает нагрузку (или может вернуться к ней).
func (s State) IsLive() bool {
	switch s {
	case StateRequested, StateProvisioning, StateActive, StateDegraded:
		return true
	}
	return false
}

func (s State) String() string { return string(s) }

// CanTransition проверяет пару (from, to) по таблице переходов.
func CanTransition(from, to State) error {
	if slices.Contains(transitions[from], to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}

// Agent — управляемая единица автономной работы.
type Agent struct {
	ID              string     `json:"id"`
	RequestID       string     `json:"request_id,omitempty"`
	Capabilities    []string   `json:"capabilities"`
	State           State      `json:"state"`
	HealthScore     float64    `json:"health_score"`
	LastEvaluatedAt time.Time  `json:"last_evaluated_at,omitzero"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	RetiredAt       *time.Time `json:"retired_at,omitempty"`
}

// Clone отдает копию без общих слайсов и указателей, чтобы снаружи нельзя было
// поменять запись реестра в обход его API.
func (a Agent) Clone() Agent {
	c := a
	c.Capabilities = slices.Clone(a.Capabilities)
	if a.RetiredAt != nil {
		t := *a.RetiredAt
		c.RetiredAt = &t
	}
	return c
}

func (a Agent) HasCapability(capability string) bool {
	return slices.Contains(a.Capabilities, capability)
}

// AgentSpec — то, из чего реестр создает нового агента.
type AgentSpec struct {
	RequestID    string
	NeedType     NeedType
	Capabilities []string
}

// Key возвращает идентичность спецификации для поиска дублей.
func (s AgentSpec) Key() string {
	return string(s.NeedType) + "|" + strings.Join(NormalizeCapabilities(s.Capabilities), ",")
}

// NormalizeCapabilities превращает список тегов в множество: нижний регистр, без дублей, по порядку.
func NormalizeCapabilities(caps []string) []string {
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		c = strings.ToLower(strings.TrimSpace(c))
		if c != "" {
			out = append(out, c)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
