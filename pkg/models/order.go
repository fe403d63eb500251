package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

type OrderStatus string

const (
	StatusUnserved  OrderStatus = "UNSERVED"
	StatusServed    OrderStatus = "SERVED"
	StatusCancelled OrderStatus = "CANCELLED"
)

// DefaultStatus is assigned to orders created without an explicit status.
const DefaultStatus = StatusUnserved

// Labels used by the first generation of table clients.
var statusAliases = map[string]OrderStatus{
	"未提供":   StatusUnserved,
	"提供済み":  StatusServed,
	"キャンセル": StatusCancelled,
}

var (
	ErrMissingOrderID       = errors.New("order id is required")
	ErrNoItems              = errors.New("order must contain at least one item")
	ErrInvalidQuantity      = errors.New("item quantity must be at least 1")
	ErrTotalMismatch        = errors.New("total amount does not match items")
	ErrInvalidStatus        = errors.New("invalid order status")
	ErrTransitionNotAllowed = errors.New("status transition not allowed")
)

func ParseStatus(s string) (OrderStatus, error) {
	s = strings.TrimSpace(s)
	switch OrderStatus(strings.ToUpper(s)) {
	case StatusUnserved, StatusServed, StatusCancelled:
		return OrderStatus(strings.ToUpper(s)), nil
	}
	if st, ok := statusAliases[s]; ok {
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// UnmarshalText accepts canonical names and legacy labels. An empty value is
// left empty so request validation can report it as missing.
func (s *OrderStatus) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*s = ""
		return nil
	}
	st, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

func (s OrderStatus) Valid() bool {
	switch s {
	case StatusUnserved, StatusServed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the strict lifecycle allows from -> to.
// UNSERVED may move to SERVED or CANCELLED; both are terminal.
func CanTransition(from, to OrderStatus) bool {
	if from == to {
		return true
	}
	return from == StatusUnserved && (to == StatusServed || to == StatusCancelled)
}

type Order struct {
	ID          string      `json:"id"`
	TableNumber string      `json:"tableNumber"`
	Items       []OrderItem `json:"items"`
	TotalAmount float64     `json:"totalAmount"`
	Status      OrderStatus `json:"status"`
	Timestamp   time.Time   `json:"timestamp"`
}

type OrderItem struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Price      string  `json:"price"`
	Quantity   int     `json:"quantity"`
	PriceValue float64 `json:"priceValue"`
}

// UnmarshalJSON also accepts unitPrice and unitPriceValue, the names some
// clients send for the price label and value.
func (i *OrderItem) UnmarshalJSON(b []byte) error {
	type plain OrderItem
	var aux struct {
		plain
		UnitPrice      *string  `json:"unitPrice"`
		UnitPriceValue *float64 `json:"unitPriceValue"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*i = OrderItem(aux.plain)
	if i.Price == "" && aux.UnitPrice != nil {
		i.Price = *aux.UnitPrice
	}
	if i.PriceValue == 0 && aux.UnitPriceValue != nil {
		i.PriceValue = *aux.UnitPriceValue
	}
	return nil
}

// NewOrderID returns a creation-time id with a random suffix.
func NewOrderID(now time.Time) string {
	return fmt.Sprintf("order-%d-%s", now.UnixMilli(), uuid.NewString()[:8])
}

func (o Order) ItemCount() int {
	n := 0
	for _, item := range o.Items {
		n += item.Quantity
	}
	return n
}

func (o Order) ComputedTotal() float64 {
	var total float64
	for _, item := range o.Items {
		total += item.PriceValue * float64(item.Quantity)
	}
	return total
}

// Validate checks the creation invariants. Status and timestamp defaults
// are applied by the caller, not here.
func (o Order) Validate() error {
	if strings.TrimSpace(o.ID) == "" {
		return ErrMissingOrderID
	}
	if len(o.Items) == 0 {
		return ErrNoItems
	}
	for _, item := range o.Items {
		if item.Quantity < 1 {
			return fmt.Errorf("%w: item %q has quantity %d", ErrInvalidQuantity, item.ID, item.Quantity)
		}
	}
	if math.Abs(o.ComputedTotal()-o.TotalAmount) > 0.005 {
		return fmt.Errorf("%w: got %.2f, items sum to %.2f", ErrTotalMismatch, o.TotalAmount, o.ComputedTotal())
	}
	if o.Status != "" && !o.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, o.Status)
	}
	return nil
}

// Clone returns a deep copy so snapshots never share item slices.
func (o Order) Clone() Order {
	c := o
	if o.Items != nil {
		c.Items = make([]OrderItem, len(o.Items))
		copy(c.Items, o.Items)
	}
	return c
}

func CloneOrders(orders []Order) []Order {
	out := make([]Order, len(orders))
	for i, o := range orders {
		out[i] = o.Clone()
	}
	return out
}

type CreateOrderRequest struct {
	Order *Order `json:"order"`
}

type UpdateStatusRequest struct {
	OrderID string      `json:"orderId"`
	Status  OrderStatus `json:"status"`
}

type OrderResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	OrderID string `json:"orderId,omitempty"`
	Order   *Order `json:"order,omitempty"`
}

type OrdersResponse struct {
	Orders []Order `json:"orders"`
}
