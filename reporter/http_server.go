// This is a http type of reporter.
// It publishes the node's live order book and trade history on http
// routes for wallets and monitoring.

package reporter

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/blocknetdx/xbridge-go/common"
	"github.com/blocknetdx/xbridge-go/exchange"
	"github.com/blocknetdx/xbridge-go/xorder"
)

const (
	ROUTE_HELLO   = "/hello"
	ROUTE_ORDERS  = "/orders"
	ROUTE_ORDER   = "/order"
	ROUTE_HISTORY = "/history"
	ROUTE_BOOK    = "/book"
)

type HttpReporter struct {
	serverIP   string // listen ip
	serverPort string // listen port

	// upstream data sources
	store    *xorder.Store
	history  *xorder.HistoryDB
	exchange *exchange.Exchange // nil on non-facilitator nodes
}

func NewHttpReporter(serverIP, serverPort string, store *xorder.Store, history *xorder.HistoryDB, ex *exchange.Exchange) *HttpReporter {
	return &HttpReporter{
		serverIP:   serverIP,
		serverPort: serverPort,
		store:      store,
		history:    history,
		exchange:   ex,
	}
}

// Hook up routes & handlers
func (h *HttpReporter) SetupRouter() *gin.Engine {
	router := gin.Default()

	router.GET(ROUTE_HELLO, Hello)
	router.GET(ROUTE_ORDERS, h.Orders)
	router.GET(ROUTE_ORDER, h.Order)
	router.GET(ROUTE_HISTORY, h.History)
	router.GET(ROUTE_BOOK, h.Book)

	return router
}

// Hook up router & ip:port
func (h *HttpReporter) Run() {
	router := h.SetupRouter()
	address := h.serverIP + ":" + h.serverPort
	if err := router.Run(address); err != nil {
		panic(err)
	}
}

func Hello(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "world",
	})
}

type orderView struct {
	ID           string `json:"id"`
	FromCurrency string `json:"from_currency"`
	FromAmount   string `json:"from_amount"`
	ToCurrency   string `json:"to_currency"`
	ToAmount     string `json:"to_amount"`
	State        string `json:"state"`
	Reason       string `json:"reason,omitempty"`
}

func viewOf(o *xorder.Order) orderView {
	o.Lock()
	defer o.Unlock()
	v := orderView{
		ID:           o.ID.String(),
		FromCurrency: o.FromCurrency,
		FromAmount:   common.AmountHuman(o.FromAmount),
		ToCurrency:   o.ToCurrency,
		ToAmount:     common.AmountHuman(o.ToAmount),
		State:        o.State.String(),
	}
	if o.State == xorder.StateCancelled {
		v.Reason = o.Reason.String()
	}
	return v
}

// Orders lists this node's live orders.
func (h *HttpReporter) Orders(c *gin.Context) {
	orders := h.store.All()
	views := make([]orderView, 0, len(orders))
	for _, o := range orders {
		views = append(views, viewOf(o))
	}
	c.JSON(http.StatusOK, gin.H{"data": views})
}

// Order fetches one order by id, live or historic.
func (h *HttpReporter) Order(c *gin.Context) {
	idHex := c.Query("id")
	if idHex == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be provided"})
		return
	}
	id := xorder.OrderIDFromBytes(common.HexStrToByteSlice(idHex))

	if o, ok := h.store.Get(id); ok {
		c.JSON(http.StatusOK, gin.H{"data": viewOf(o)})
		return
	}
	if h.history != nil {
		ho, ok, err := h.history.Get(id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if ok {
			c.JSON(http.StatusOK, gin.H{"data": ho})
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "no order found"})
}

// History lists archived orders: finished, cancelled and rolled back.
func (h *HttpReporter) History(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusOK, gin.H{"data": []orderView{}})
		return
	}
	records, err := h.history.All()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": records})
}

// Book lists the facilitator's order book.
func (h *HttpReporter) Book(c *gin.Context) {
	if h.exchange == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not an exchange node"})
		return
	}
	type tradeView struct {
		ID    string `json:"id"`
		State string `json:"state"`
		From  string `json:"from"`
		To    string `json:"to"`
	}
	trades := h.exchange.All()
	views := make([]tradeView, 0, len(trades))
	for _, t := range trades {
		t.Lock()
		views = append(views, tradeView{
			ID:    t.ID.String(),
			State: t.State.String(),
			From:  t.A.Currency,
			To:    t.B.Currency,
		})
		t.Unlock()
	}
	c.JSON(http.StatusOK, gin.H{"data": views})
}
