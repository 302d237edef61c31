package service

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content subtype of the MarketData service. Messages
// are plain Go structs encoded as JSON.
const CodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type SymbolRequest struct {
	Symbol string `json:"symbol"`
}

type HistoryRequest struct {
	Symbol string `json:"symbol"`
	Period string `json:"period"`
	Count  int    `json:"count"`
}

type StatsRequest struct{}

// WatchRequest opens an event stream. Types are data event names such as
// "market_data" or "order_book"; empty means every type.
type WatchRequest struct {
	Symbols []string `json:"symbols"`
	Types   []string `json:"types,omitempty"`
}

// Prices and sizes are decimal strings.
type SnapshotReply struct {
	Symbol        string    `json:"symbol"`
	Price         string    `json:"price"`
	Change        string    `json:"change"`
	ChangePercent string    `json:"change_percent"`
	Volume        string    `json:"volume"`
	PreviousClose string    `json:"previous_close"`
	DayHigh       string    `json:"day_high"`
	DayLow        string    `json:"day_low"`
	Bid           string    `json:"bid,omitempty"`
	Ask           string    `json:"ask,omitempty"`
	MarketStatus  string    `json:"market_status"`
	Timestamp     time.Time `json:"timestamp"`
	Provenance    string    `json:"provenance,omitempty"`
	CapturedAt    time.Time `json:"captured_at,omitempty"`
}

type Candle struct {
	Open           string `json:"open"`
	High           string `json:"high"`
	Low            string `json:"low"`
	Close          string `json:"close"`
	Volume         string `json:"volume"`
	StartTimestamp int64  `json:"start_ts"` // unix millis
	EndTimestamp   int64  `json:"end_ts"`
}

type HistoryReply struct {
	Symbol     string    `json:"symbol"`
	Period     string    `json:"period"`
	Candles    []Candle  `json:"candles"`
	Provenance string    `json:"provenance"`
	CapturedAt time.Time `json:"captured_at"`
}

type Level struct {
	Price  string `json:"price"`
	Size   string `json:"size"`
	Orders int    `json:"orders,omitempty"`
}

type OrderBookReply struct {
	Symbol        string    `json:"symbol"`
	Bids          []Level   `json:"bids"`
	Asks          []Level   `json:"asks"`
	Spread        string    `json:"spread"`
	SpreadPercent string    `json:"spread_percent"`
	Mid           string    `json:"mid"`
	Sequence      uint64    `json:"sequence"`
	Timestamp     time.Time `json:"timestamp"`
	Provenance    string    `json:"provenance,omitempty"`
	CapturedAt    time.Time `json:"captured_at,omitempty"`
}

type SubscribeReply struct {
	Symbol     string `json:"symbol"`
	Subscribed bool   `json:"subscribed"`
}

type StatsReply struct {
	Snapshots      int            `json:"snapshots"`
	OrderBooks     int            `json:"order_books"`
	Series         int            `json:"series"`
	Candles        int            `json:"candles"`
	ByProvenance   map[string]int `json:"by_provenance"`
	TotalAccess    uint64         `json:"total_access"`
	Subscribed     int            `json:"subscribed"`
	SourceName     string         `json:"source"`
	StreamAttached bool           `json:"stream_attached"`
	Watchers       int            `json:"watchers"`
}

type Trade struct {
	ID        string    `json:"id,omitempty"`
	Price     string    `json:"price"`
	Size      string    `json:"size"`
	Side      string    `json:"side,omitempty"`
	Venue     string    `json:"venue,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Event is one data event delivered on a Watch stream.
type Event struct {
	Type       string          `json:"type"`
	Symbol     string          `json:"symbol,omitempty"`
	Period     string          `json:"period,omitempty"`
	Provenance string          `json:"provenance,omitempty"`
	Status     string          `json:"status,omitempty"`
	Message    string          `json:"message,omitempty"`
	At         time.Time       `json:"at"`
	Snapshot   *SnapshotReply  `json:"snapshot,omitempty"`
	Candles    []Candle        `json:"candles,omitempty"`
	Book       *OrderBookReply `json:"book,omitempty"`
	Trade      *Trade          `json:"trade,omitempty"`
}

// MarketDataServer is the server API of the marketfeed.MarketData service.
type MarketDataServer interface {
	GetSnapshot(context.Context, *SymbolRequest) (*SnapshotReply, error)
	GetHistory(context.Context, *HistoryRequest) (*HistoryReply, error)
	GetOrderBook(context.Context, *SymbolRequest) (*OrderBookReply, error)
	Subscribe(context.Context, *SymbolRequest) (*SubscribeReply, error)
	Unsubscribe(context.Context, *SymbolRequest) (*SubscribeReply, error)
	Stats(context.Context, *StatsRequest) (*StatsReply, error)
	Watch(*WatchRequest, WatchServer) error
}

// WatchServer is the server side of a Watch stream.
type WatchServer interface {
	Send(*Event) error
	grpc.ServerStream
}

const serviceName = "marketfeed.MarketData"

func fullMethod(name string) string { return "/" + serviceName + "/" + name }

func unaryHandler[Req, Resp any](name string, call func(MarketDataServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(MarketDataServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(MarketDataServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

type watchServer struct {
	grpc.ServerStream
}

func (w *watchServer) Send(e *Event) error { return w.ServerStream.SendMsg(e) }

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(WatchRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(MarketDataServer).Watch(in, &watchServer{stream})
}

// MarketDataServiceDesc describes the marketfeed.MarketData service.
var MarketDataServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*MarketDataServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetSnapshot", Handler: unaryHandler("GetSnapshot", MarketDataServer.GetSnapshot)},
		{MethodName: "GetHistory", Handler: unaryHandler("GetHistory", MarketDataServer.GetHistory)},
		{MethodName: "GetOrderBook", Handler: unaryHandler("GetOrderBook", MarketDataServer.GetOrderBook)},
		{MethodName: "Subscribe", Handler: unaryHandler("Subscribe", MarketDataServer.Subscribe)},
		{MethodName: "Unsubscribe", Handler: unaryHandler("Unsubscribe", MarketDataServer.Unsubscribe)},
		{MethodName: "Stats", Handler: unaryHandler("Stats", MarketDataServer.Stats)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
	Metadata: "marketfeed/market_data",
}

// RegisterMarketDataServer registers srv on s.
func RegisterMarketDataServer(s grpc.ServiceRegistrar, srv MarketDataServer) {
	s.RegisterService(&MarketDataServiceDesc, srv)
}

// MarketDataClient calls the marketfeed.MarketData service.
type MarketDataClient struct {
	cc grpc.ClientConnInterface
}

func NewMarketDataClient(cc grpc.ClientConnInterface) *MarketDataClient {
	return &MarketDataClient{cc: cc}
}

func callOptions(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, name string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	if err := cc.Invoke(ctx, fullMethod(name), in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *MarketDataClient) GetSnapshot(ctx context.Context, in *SymbolRequest, opts ...grpc.CallOption) (*SnapshotReply, error) {
	return invoke[SnapshotReply](ctx, c.cc, "GetSnapshot", in, opts)
}

func (c *MarketDataClient) GetHistory(ctx context.Context, in *HistoryRequest, opts ...grpc.CallOption) (*HistoryReply, error) {
	return invoke[HistoryReply](ctx, c.cc, "GetHistory", in, opts)
}

func (c *MarketDataClient) GetOrderBook(ctx context.Context, in *SymbolRequest, opts ...grpc.CallOption) (*OrderBookReply, error) {
	return invoke[OrderBookReply](ctx, c.cc, "GetOrderBook", in, opts)
}

func (c *MarketDataClient) Subscribe(ctx context.Context, in *SymbolRequest, opts ...grpc.CallOption) (*SubscribeReply, error) {
	return invoke[SubscribeReply](ctx, c.cc, "Subscribe", in, opts)
}

func (c *MarketDataClient) Unsubscribe(ctx context.Context, in *SymbolRequest, opts ...grpc.CallOption) (*SubscribeReply, error) {
	return invoke[SubscribeReply](ctx, c.cc, "Unsubscribe", in, opts)
}

func (c *MarketDataClient) Stats(ctx context.Context, in *StatsRequest, opts ...grpc.CallOption) (*StatsReply, error) {
	return invoke[StatsReply](ctx, c.cc, "Stats", in, opts)
}

// WatchClient is the client side of a Watch stream.
type WatchClient struct {
	grpc.ClientStream
}

func (w *WatchClient) Recv() (*Event, error) {
	e := new(Event)
	if err := w.ClientStream.RecvMsg(e); err != nil {
		return nil, err
	}
	return e, nil
}

// Watch opens an event stream for in.Symbols.
func (c *MarketDataClient) Watch(ctx context.Context, in *WatchRequest, opts ...grpc.CallOption) (*WatchClient, error) {
	stream, err := c.cc.NewStream(ctx, &MarketDataServiceDesc.Streams[0], fullMethod("Watch"), callOptions(opts)...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &WatchClient{stream}, nil
}
