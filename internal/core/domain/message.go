package domain

import "time"

type MessageType string

const (
	TypeCreateBatch         MessageType = "CreateBatch"
	TypeAllocate            MessageType = "Allocate"
	TypeDeallocate          MessageType = "Deallocate"
	TypeChangeBatchQuantity MessageType = "ChangeBatchQuantity"

	TypeAllocated   MessageType = "Allocated"
	TypeDeallocated MessageType = "Deallocated"
	TypeOutOfStock  MessageType = "OutOfStock"
)

// Message is either a Command or an Event. The set of variants is closed:
// only types in this package implement Command and Event.
type Message interface {
	MessageType() MessageType
}

// Command requests a state change and is handled by exactly one handler.
type Command interface {
	Message
	command()
}

// Event records something that happened; it may have any number of handlers.
type Event interface {
	Message
	event()
}

// CommandTypes lists every command variant.
func CommandTypes() []MessageType {
	return []MessageType{TypeCreateBatch, TypeAllocate, TypeDeallocate, TypeChangeBatchQuantity}
}

// EventTypes lists every event variant.
func EventTypes() []MessageType {
	return []MessageType{TypeAllocated, TypeDeallocated, TypeOutOfStock}
}

type CreateBatch struct {
	Ref string     `json:"ref"`
	SKU string     `json:"sku"`
	Qty int        `json:"qty"`
	ETA *time.Time `json:"eta,omitempty"`
}

type Allocate struct {
	OrderID string `json:"orderid"`
	SKU     string `json:"sku"`
	Qty     int    `json:"qty"`
}

type Deallocate struct {
	OrderID string `json:"orderid"`
	SKU     string `json:"sku"`
	Qty     int    `json:"qty"`
}

type ChangeBatchQuantity struct {
	Ref string `json:"ref"`
	Qty int    `json:"qty"`
}

func (CreateBatch) MessageType() MessageType         { return TypeCreateBatch }
func (Allocate) MessageType() MessageType            { return TypeAllocate }
func (Deallocate) MessageType() MessageType          { return TypeDeallocate }
func (ChangeBatchQuantity) MessageType() MessageType { return TypeChangeBatchQuantity }

func (CreateBatch) command()         {}
func (Allocate) command()            {}
func (Deallocate) command()          {}
func (ChangeBatchQuantity) command() {}

func (c Allocate) Line() OrderLine {
	return OrderLine{OrderID: c.OrderID, SKU: c.SKU, Qty: c.Qty}
}

func (c Deallocate) Line() OrderLine {
	return OrderLine{OrderID: c.OrderID, SKU: c.SKU, Qty: c.Qty}
}

type Allocated struct {
	OrderID  string `json:"orderid"`
	SKU      string `json:"sku"`
	Qty      int    `json:"qty"`
	BatchRef string `json:"batchref"`
}

type Deallocated struct {
	OrderID string `json:"orderid"`
	SKU     string `json:"sku"`
	Qty     int    `json:"qty"`
}

type OutOfStock struct {
	SKU string `json:"sku"`
}

func (Allocated) MessageType() MessageType   { return TypeAllocated }
func (Deallocated) MessageType() MessageType { return TypeDeallocated }
func (OutOfStock) MessageType() MessageType  { return TypeOutOfStock }

func (Allocated) event()   {}
func (Deallocated) event() {}
func (OutOfStock) event()  {}
