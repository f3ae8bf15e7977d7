// Package command implements the operator-facing command surface: a
// whitespace-tokenized text protocol with a fixed verb table, a
// 10-minute confirmation state machine for destructive or
// large-notional actions, and a structured result every caller routes
// to its own notification/reply sinks.
//
// Command parsing is internal (tokenizer + verb dispatch), but the
// transport that feeds text in and renders replies out is an external
// collaborator — this package only exposes Process and FormatMessage.
package command

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"mmagent/internal/collector"
	"mmagent/internal/ledger"
	"mmagent/internal/metrics"
	"mmagent/internal/notify"
	"mmagent/internal/pricemaker"
	"mmagent/internal/rateinfo"
	"mmagent/internal/tradeparams"
	"mmagent/internal/tradingapi"
)

// confirmWindow is how long a confirmation prompt stays valid.
const confirmWindow = 10 * time.Minute

// Deps are the collaborators the processor dispatches into. All are
// required; a Processor has no lifecycle of its own beyond Process.
type Deps struct {
	Trader     tradingapi.Trader
	Ledger     *ledger.Ledger
	Params     *tradeparams.Store
	Collector  *collector.Collector
	PriceMaker *pricemaker.PriceMaker
	Rates      *rateinfo.Client
	Pair       tradingapi.Pair
}

// Result is the exit channel a caller routes into its own sinks:
// {notify, userMessage, notifyType}. The host routes Notify results to
// its notification sink and always shows UserMessage as the command
// reply.
type Result struct {
	Notify      bool
	UserMessage string
	NotifyType  notify.Level
}

func infoResult(msg string) Result { return Result{UserMessage: msg} }

func notifyResult(level notify.Level, msg string) Result {
	return Result{Notify: true, UserMessage: msg, NotifyType: level}
}

// FormatMessage renders r for display. Commands that only produced an
// informational reply render plainly; anything tagged for notification
// is prefixed with its severity so a plain-text transport can still
// convey it.
func FormatMessage(r Result) string {
	if !r.Notify {
		return r.UserMessage
	}
	return fmt.Sprintf("[%s] %s", strings.ToUpper(string(r.NotifyType)), r.UserMessage)
}

// pendingCommand is the confirmation state machine's Pending state:
// Idle -> Pending(cmd, deadline) -> Idle.
type pendingCommand struct {
	verb     string
	args     []string
	deadline time.Time
}

// Processor parses and dispatches command text. Safe for concurrent use.
type Processor struct {
	deps   Deps
	logger *slog.Logger

	mu      sync.Mutex
	pending *pendingCommand
}

func New(deps Deps, logger *slog.Logger) *Processor {
	return &Processor{deps: deps, logger: logger.With("component", "command")}
}

// plan is what a handler builds before anything observable happens: a
// human description, whether it needs confirmation, and the closure
// that actually executes it.
type plan struct {
	needsConfirm bool
	description  string
	execute      func(ctx context.Context) Result
}

type handlerFunc func(ctx context.Context, p *Processor, args []string) (plan, error)

var handlers = map[string]handlerFunc{
	"start":      handleStart,
	"stop":       handleStop,
	"enable":     handleEnable,
	"disable":    handleDisable,
	"amount":     handleAmount,
	"interval":   handleInterval,
	"buypercent": handleBuyPercent,
	"clear":      handleClear,
	"fill":       handleFill,
	"buy":        buySellFor(tradingapi.SideBuy),
	"sell":       buySellFor(tradingapi.SideSell),
	"make":       handleMake,
	"rates":      handleRates,
	"stats":      handleStats,
	"orders":     handleOrders,
	"balances":   handleBalances,
	"params":     handleParams,
	"info":       handleInfo,
	"pair":       handlePair,
	"calc":       handleCalc,
	"deposit":    handleDeposit,
	"account":    handleAccount,
	"version":    handleVersion,
	"help":       handleHelp,
}

// Process parses and dispatches one line of command text. Every
// failure — malformed arguments, a rejected placement, an adapter
// error — comes back as a Result rather than a Go error, so manual
// commands surface errors as user-visible messages.
func (p *Processor) Process(ctx context.Context, text string) Result {
	fields := strings.Fields(strings.TrimPrefix(strings.TrimSpace(text), "/"))
	if len(fields) == 0 {
		return infoResult("empty command")
	}
	verb := strings.ToLower(fields[0])
	args := fields[1:]
	metrics.IncCommand(verb)

	if verb == "y" {
		return p.confirm(ctx)
	}

	// An inline -y marker is a more specific, explicit confirmation than
	// the separate 'y' verb: a command typed with it is already
	// confirmed and never enters the pending-confirmation state.
	preconfirmed := false
	if n := len(args); n > 0 && args[n-1] == "-y" {
		preconfirmed = true
		args = args[:n-1]
	}

	h, ok := handlers[verb]
	if !ok {
		return infoResult(fmt.Sprintf("unknown command %q (try 'help')", verb))
	}

	pl, err := h(ctx, p, args)
	if err != nil {
		return infoResult(formatValidationErr(verb, err))
	}
	if pl.needsConfirm && !preconfirmed {
		p.mu.Lock()
		p.pending = &pendingCommand{verb: verb, args: args, deadline: time.Now().Add(confirmWindow)}
		p.mu.Unlock()
		return infoResult(fmt.Sprintf("%s — reply 'y' within 10 minutes to confirm", pl.description))
	}
	return pl.execute(ctx)
}

// confirm re-validates and executes the pending command. Two 'y'
// invocations back to back execute it exactly once — the first clears
// p.pending, the second finds nothing pending.
func (p *Processor) confirm(ctx context.Context) Result {
	p.mu.Lock()
	pc := p.pending
	p.pending = nil
	p.mu.Unlock()

	if pc == nil {
		return infoResult("no command is pending confirmation")
	}
	if time.Now().After(pc.deadline) {
		return infoResult("the pending command's confirmation window expired")
	}

	h, ok := handlers[pc.verb]
	if !ok {
		return infoResult("pending command is no longer recognized")
	}
	pl, err := h(ctx, p, pc.args)
	if err != nil {
		return infoResult(formatValidationErr(pc.verb, err))
	}
	return pl.execute(ctx)
}

func formatValidationErr(verb string, err error) string {
	if ve, ok := err.(*tradingapi.ValidationError); ok {
		return fmt.Sprintf("%s: %s (usage: %s)", verb, ve.Err.Error(), ve.Usage)
	}
	return fmt.Sprintf("%s: %s", verb, err.Error())
}

func validationErr(usage string, format string, a ...any) error {
	return &tradingapi.ValidationError{Err: fmt.Errorf(format, a...), Usage: usage}
}

// paramsPlan builds a plan whose sole effect is one tradeparams mutation.
func (p *Processor) paramsPlan(apply func(*tradeparams.Params), okMsg string) plan {
	return plan{execute: func(ctx context.Context) Result {
		if err := p.deps.Params.Mutate(apply); err != nil {
			return notifyResult(notify.LevelError, "params: "+err.Error())
		}
		return infoResult(okMsg)
	}}
}

// --- activity / policy ---

func handleStart(ctx context.Context, p *Processor, args []string) (plan, error) {
	if len(args) < 1 || args[0] != "mm" {
		return plan{}, validationErr("start mm [policy]", "expected 'mm' as the first argument")
	}
	policy := tradeparams.Policy("")
	if len(args) >= 2 {
		switch tradeparams.Policy(args[1]) {
		case tradeparams.PolicyOptimal, tradeparams.PolicySpread, tradeparams.PolicyDepth:
			policy = tradeparams.Policy(args[1])
		default:
			return plan{}, validationErr("start mm [optimal|spread|depth]", "unknown policy %q", args[1])
		}
	}
	return p.paramsPlan(func(pr *tradeparams.Params) {
		pr.IsActive = true
		if policy != "" {
			pr.Policy = policy
		}
	}, "activity enabled"), nil
}

func handleStop(ctx context.Context, p *Processor, args []string) (plan, error) {
	if len(args) < 1 || args[0] != "mm" {
		return plan{}, validationErr("stop mm", "expected 'mm' as the first argument")
	}
	return p.paramsPlan(func(pr *tradeparams.Params) {
		pr.IsActive = false
	}, "activity disabled (live orders left untouched)"), nil
}

func handleEnable(ctx context.Context, p *Processor, args []string) (plan, error) {
	if len(args) < 1 {
		return plan{}, validationErr("enable ob|liq|pw ...", "missing subsystem")
	}
	switch args[0] {
	case "ob":
		return planEnableOB(p, args[1:])
	case "liq":
		return planEnableLiq(p, args[1:])
	case "pw":
		return planEnablePW(p, args[1:])
	default:
		return plan{}, validationErr("enable ob|liq|pw ...", "unknown subsystem %q", args[0])
	}
}

func planEnableOB(p *Processor, args []string) (plan, error) {
	const usage = "enable ob [count] [pct%]"
	var count int
	var havePct bool
	var pct float64
	if len(args) >= 1 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return plan{}, validationErr(usage, "count must be an integer")
		}
		count = n
	}
	if len(args) >= 2 {
		v, err := parsePercent(args[1])
		if err != nil {
			return plan{}, validationErr(usage, "%v", err)
		}
		pct, havePct = v, true
	}
	return p.paramsPlan(func(pr *tradeparams.Params) {
		pr.OBActive = true
		if count > 0 {
			pr.OBOrdersCount = count
		}
		if havePct {
			pr.OBBuyPercent = pct
		}
	}, "order-book builder enabled"), nil
}

func planEnableLiq(p *Processor, args []string) (plan, error) {
	const usage = "enable liq <spread%> <a1> <c1> <a2> <c2> [trend]"
	if len(args) < 5 {
		return plan{}, validationErr(usage, "expected spread%%, two amount/currency pairs")
	}
	spread, err := parsePercent(args[0])
	if err != nil {
		return plan{}, validationErr(usage, "%v", err)
	}
	a1, err := decimal.NewFromString(args[1])
	if err != nil {
		return plan{}, validationErr(usage, "amount %q is not a number", args[1])
	}
	c1 := args[2]
	a2, err := decimal.NewFromString(args[3])
	if err != nil {
		return plan{}, validationErr(usage, "amount %q is not a number", args[3])
	}
	c2 := args[4]
	trend := tradeparams.Trend("")
	if len(args) >= 6 {
		switch tradeparams.Trend(args[5]) {
		case tradeparams.TrendMiddle, tradeparams.TrendUptrend, tradeparams.TrendDowntrend:
			trend = tradeparams.Trend(args[5])
		default:
			return plan{}, validationErr(usage, "unknown trend %q", args[5])
		}
	}

	pair := p.deps.Pair
	var sellAmount, buyQuoteAmount decimal.Decimal
	var haveSell, haveBuy bool
	for _, leg := range []struct {
		amount decimal.Decimal
		coin   string
	}{{a1, c1}, {a2, c2}} {
		switch {
		case strings.EqualFold(leg.coin, pair.Base):
			sellAmount, haveSell = leg.amount, true
		case strings.EqualFold(leg.coin, pair.Quote):
			buyQuoteAmount, haveBuy = leg.amount, true
		default:
			return plan{}, validationErr(usage, "currency %q does not match %s", leg.coin, pair)
		}
	}
	if !haveSell || !haveBuy {
		return plan{}, validationErr(usage, "need one amount in %s and one in %s", pair.Base, pair.Quote)
	}

	return p.paramsPlan(func(pr *tradeparams.Params) {
		pr.LiqActive = true
		pr.LiqSpreadPercent = spread
		pr.LiqSellAmount = sellAmount
		pr.LiqBuyQuoteAmount = buyQuoteAmount
		if trend != "" {
			pr.LiqTrend = trend
		}
	}, "liquidity provider enabled"), nil
}

func planEnablePW(p *Processor, args []string) (plan, error) {
	const usage = "enable pw <range|value%> [src] [policy] [action]"
	if len(args) < 1 {
		return plan{}, validationErr(usage, "missing range or deviation value")
	}

	var low, high decimal.Decimal
	var deviation float64
	source := tradeparams.PWSourceNumeric
	sourceRef := ""
	usingDeviation := strings.HasSuffix(args[0], "%")

	if usingDeviation {
		v, err := parsePercent(args[0])
		if err != nil {
			return plan{}, validationErr(usage, "%v", err)
		}
		deviation = v
	} else {
		lo, hi, err := parseRange(args[0])
		if err != nil {
			return plan{}, validationErr(usage, "%v", err)
		}
		low, high = lo, hi
	}

	if len(args) >= 2 && strings.Contains(args[1], "@") {
		source = tradeparams.PWSourceMarket
		sourceRef = args[1]
	}

	policy := tradeparams.PWPolicy("")
	action := tradeparams.PWAction("")
	for _, a := range args[1:] {
		switch tradeparams.PWPolicy(a) {
		case tradeparams.PWPolicySmart, tradeparams.PWPolicyStrict:
			policy = tradeparams.PWPolicy(a)
			continue
		}
		switch tradeparams.PWAction(a) {
		case tradeparams.PWActionFill, tradeparams.PWActionPrevent:
			action = tradeparams.PWAction(a)
		}
	}

	return p.paramsPlan(func(pr *tradeparams.Params) {
		pr.PWActive = true
		pr.PWSource = source
		pr.PWSourceRef = sourceRef
		if usingDeviation {
			pr.PWDeviationPercent = deviation
		} else {
			pr.PWLow = low
			pr.PWHigh = high
		}
		if policy != "" {
			pr.PWPolicy = policy
		}
		if action != "" {
			pr.PWAction = action
		}
	}, "price watcher enabled"), nil
}

func handleDisable(ctx context.Context, p *Processor, args []string) (plan, error) {
	if len(args) < 1 {
		return plan{}, validationErr("disable ob|liq|pw", "missing subsystem")
	}
	var apply func(*tradeparams.Params)
	switch args[0] {
	case "ob":
		apply = func(pr *tradeparams.Params) { pr.OBActive = false }
	case "liq":
		apply = func(pr *tradeparams.Params) { pr.LiqActive = false }
	case "pw":
		apply = func(pr *tradeparams.Params) { pr.PWActive = false }
	default:
		return plan{}, validationErr("disable ob|liq|pw", "unknown subsystem %q", args[0])
	}
	return p.paramsPlan(apply, args[0]+" disabled"), nil
}

func handleAmount(ctx context.Context, p *Processor, args []string) (plan, error) {
	if len(args) < 1 {
		return plan{}, validationErr("amount min-max", "missing range")
	}
	lo, hi, err := parseRange(args[0])
	if err != nil {
		return plan{}, validationErr("amount min-max", "%v", err)
	}
	return p.paramsPlan(func(pr *tradeparams.Params) {
		pr.AmountRange = tradeparams.AmountRange{Min: lo, Max: hi}
	}, "amount range updated"), nil
}

func handleInterval(ctx context.Context, p *Processor, args []string) (plan, error) {
	const usage = "interval min-max sec|min|hour"
	if len(args) < 2 {
		return plan{}, validationErr(usage, "missing range or unit")
	}
	lo, hi, err := parseRange(args[0])
	if err != nil {
		return plan{}, validationErr(usage, "%v", err)
	}
	var scale int64
	switch args[1] {
	case "sec":
		scale = 1000
	case "min":
		scale = 60 * 1000
	case "hour":
		scale = 60 * 60 * 1000
	default:
		return plan{}, validationErr(usage, "unknown unit %q", args[1])
	}
	minMS := lo.Mul(decimal.NewFromInt(scale)).IntPart()
	maxMS := hi.Mul(decimal.NewFromInt(scale)).IntPart()
	return p.paramsPlan(func(pr *tradeparams.Params) {
		pr.IntervalRange = tradeparams.IntervalRange{MinMS: minMS, MaxMS: maxMS}
	}, "tick interval updated"), nil
}

func handleBuyPercent(ctx context.Context, p *Processor, args []string) (plan, error) {
	if len(args) < 1 {
		return plan{}, validationErr("buypercent N", "missing value")
	}
	n, err := strconv.ParseFloat(args[0], 64)
	if err != nil || n < 0 || n > 100 {
		return plan{}, validationErr("buypercent N", "N must be a number in [0, 100]")
	}
	return p.paramsPlan(func(pr *tradeparams.Params) {
		pr.OBBuyPercent = n
	}, "buy bias updated"), nil
}

// --- collector-driven ---

func handleClear(ctx context.Context, p *Processor, args []string) (plan, error) {
	const usage = "clear [pair] <purpose|all|unk> [buy|sell] [>P c2|<P c2] [force]"
	if len(args) < 1 {
		return plan{}, validationErr(usage, "missing purpose selector")
	}
	if _, err := parsePairToken(args[0], p.deps.Pair); err == nil {
		args = args[1:]
	}
	if len(args) < 1 {
		return plan{}, validationErr(usage, "missing purpose selector")
	}

	purposeTok := args[0]
	rest := args[1:]

	var purposes []tradingapi.Purpose
	switch purposeTok {
	case "all":
		purposes = []tradingapi.Purpose{
			tradingapi.PurposeMM, tradingapi.PurposeOB, tradingapi.PurposeLiq,
			tradingapi.PurposePW, tradingapi.PurposePM, tradingapi.PurposeCloser,
			tradingapi.PurposeQuoteHold, tradingapi.PurposeLadder, tradingapi.PurposeManual,
		}
	case "unk":
		purposes = []tradingapi.Purpose{collector.PurposeUnknownMode}
	default:
		purposes = []tradingapi.Purpose{tradingapi.Purpose(purposeTok)}
	}

	sel := collector.Selector{Purposes: purposes, Pair: p.deps.Pair}
	for i := 0; i < len(rest); i++ {
		tok := rest[i]
		switch {
		case tok == "buy":
			s := tradingapi.SideBuy
			sel.Side = &s
		case tok == "sell":
			s := tradingapi.SideSell
			sel.Side = &s
		case tok == "force":
			sel.Force = true
		case strings.HasPrefix(tok, ">") || strings.HasPrefix(tok, "<"):
			gt := strings.HasPrefix(tok, ">")
			threshold, err := decimal.NewFromString(tok[1:])
			if err != nil {
				return plan{}, validationErr(usage, "bad price threshold %q", tok)
			}
			sel.PriceFilter = func(price decimal.Decimal) bool {
				if gt {
					return price.GreaterThan(threshold)
				}
				return price.LessThan(threshold)
			}
			if i+1 < len(rest) && rest[i+1] != "force" && rest[i+1] != "buy" && rest[i+1] != "sell" {
				i++ // skip the currency confirmation label, e.g. "QUOTE"
			}
		}
	}

	description := fmt.Sprintf("clear %s orders for %s", purposeTok, p.deps.Pair)
	return plan{
		needsConfirm: true,
		description:  description,
		execute: func(ctx context.Context) Result {
			res, err := p.deps.Collector.Run(ctx, sel, ledger.CauseUserCommand)
			if err != nil {
				return notifyResult(notify.LevelError, "clear: "+err.Error())
			}
			return infoResult(fmt.Sprintf("clear: attempted=%d cancelled=%d alreadyClosed=%d failed=%d",
				res.Attempted, res.Cancelled, res.AlreadyClosed, res.Failed))
		},
	}, nil
}

// --- placement ---

func handleFill(ctx context.Context, p *Processor, args []string) (plan, error) {
	const usage = "fill [pair] buy|sell quote=X|amount=X low=L high=H count=N"
	if len(args) < 1 {
		return plan{}, validationErr(usage, "missing arguments")
	}
	if _, err := parsePairToken(args[0], p.deps.Pair); err == nil {
		args = args[1:]
	}
	if len(args) < 1 {
		return plan{}, validationErr(usage, "missing side")
	}
	side, err := parseSide(args[0])
	if err != nil {
		return plan{}, validationErr(usage, "%v", err)
	}
	kv := parseKV(args[1:])

	low, err := decimalFromKV(kv, "low")
	if err != nil {
		return plan{}, validationErr(usage, "%v", err)
	}
	high, err := decimalFromKV(kv, "high")
	if err != nil {
		return plan{}, validationErr(usage, "%v", err)
	}
	countStr, ok := kv["count"]
	if !ok {
		return plan{}, validationErr(usage, "missing count=N")
	}
	count, err := strconv.Atoi(countStr)
	if err != nil || count < 1 {
		return plan{}, validationErr(usage, "count must be a positive integer")
	}

	totalAmount, totalQuote, err := amountOrQuote(kv)
	if err != nil {
		return plan{}, validationErr(usage, "%v", err)
	}

	midPrice := low.Add(high).Div(decimal.NewFromInt(2))
	var perOrderAmount decimal.Decimal
	if totalQuote != nil {
		perOrderAmount = totalQuote.Div(midPrice).Div(decimal.NewFromInt(int64(count)))
	} else {
		perOrderAmount = totalAmount.Div(decimal.NewFromInt(int64(count)))
	}

	prices := make([]decimal.Decimal, count)
	for i := range prices {
		if count == 1 {
			prices[i] = midPrice
			continue
		}
		frac := float64(i) / float64(count-1)
		prices[i] = low.Add(high.Sub(low).Mul(decimal.NewFromFloat(frac)))
	}

	return p.planOrders(ctx, side, perOrderAmount, midPrice, prices)
}

// buySellFor returns the handler for the buy or sell verb, bound to side.
func buySellFor(side tradingapi.Side) handlerFunc {
	return func(ctx context.Context, p *Processor, args []string) (plan, error) {
		const usage = "buy|sell [pair] amount=X|quote=X [price=P|market]"
		if len(args) > 0 {
			if _, err := parsePairToken(args[0], p.deps.Pair); err == nil {
				args = args[1:]
			}
		}
		kv := parseKV(args)

		amount, quote, err := amountOrQuote(kv)
		if err != nil {
			return plan{}, validationErr(usage, "%v", err)
		}

		var price decimal.Decimal
		useMarket := true
		if v, ok := kv["price"]; ok && v != "market" {
			price, err = decimal.NewFromString(v)
			if err != nil {
				return plan{}, validationErr(usage, "bad price %q", v)
			}
			useMarket = false
		}

		effectiveAmount := decimal.Zero
		switch {
		case quote != nil && !useMarket && !price.IsZero():
			effectiveAmount = quote.Div(price)
		case amount != nil:
			effectiveAmount = *amount
		default:
			return plan{}, validationErr(usage, "quote= requires an explicit price= to size the order")
		}

		ok, reason := p.hasSufficientBalance(ctx, side, effectiveAmount, price, useMarket)
		if !ok {
			return plan{execute: func(ctx context.Context) Result { return infoResult(reason) }}, nil
		}

		needsConfirm, err := p.exceedsConfirmThreshold(ctx, side, effectiveAmount, price)
		if err != nil {
			p.logger.Warn("buy/sell: notional check failed", "error", err)
		}

		description := fmt.Sprintf("%s %s %s @ %s", side, effectiveAmount, p.deps.Pair, priceLabel(useMarket, price))
		return plan{
			needsConfirm: needsConfirm,
			description:  description,
			execute: func(ctx context.Context) Result {
				return p.placeSingle(ctx, side, effectiveAmount, quote, price, useMarket)
			},
		}, nil
	}
}

func priceLabel(market bool, price decimal.Decimal) string {
	if market {
		return "market"
	}
	return price.String()
}

// placeSingle places the already-validated order. Balance and
// confirmation checks happen in buySellFor, before a confirmation
// prompt (if any) is even shown, so by the time this runs it only needs
// to talk to the exchange and the ledger.
func (p *Processor) placeSingle(ctx context.Context, side tradingapi.Side, amount decimal.Decimal, quote *decimal.Decimal, price decimal.Decimal, useMarket bool) Result {
	pair := p.deps.Pair
	kind := tradingapi.OrderLimit
	var pricePtr *decimal.Decimal
	if useMarket {
		kind = tradingapi.OrderMarket
	} else {
		pricePtr = &price
	}

	result, err := p.deps.Trader.PlaceOrder(ctx, side, pair, pricePtr, &amount, quote, kind)
	if err != nil {
		return notifyResult(notify.LevelError, "place: "+err.Error())
	}
	if result.Rejected {
		return infoResult("order rejected: " + result.Reason)
	}

	o := ledger.NewOrder(pair, side, kind, tradingapi.PurposeManual, price, amount)
	o.ExchangeID = result.ID
	if err := p.deps.Ledger.Insert(o); err != nil {
		return notifyResult(notify.LevelError, "place: ledger insert: "+err.Error())
	}
	metrics.IncOrderPlaced(string(tradingapi.PurposeManual), string(side))
	return infoResult(fmt.Sprintf("placed %s %s %s at %s (id %s)", side, amount, pair, priceLabel(useMarket, price), result.ID))
}

func (p *Processor) hasSufficientBalance(ctx context.Context, side tradingapi.Side, amount decimal.Decimal, price decimal.Decimal, useMarket bool) (bool, string) {
	coin := p.deps.Pair.Base
	need := amount
	if side == tradingapi.SideBuy {
		coin = p.deps.Pair.Quote
		if !useMarket {
			need = price.Mul(amount)
		}
	}
	entries, err := p.deps.Trader.GetBalances(ctx, false)
	if err != nil {
		return false, "balance check failed: " + err.Error()
	}
	for _, e := range entries {
		if e.Coin != coin {
			continue
		}
		if e.Free.GreaterThanOrEqual(need) {
			return true, ""
		}
		return false, fmt.Sprintf("Not enough %s: need %s, have %s", coin, need, e.Free)
	}
	return false, fmt.Sprintf("no balance entry for %s", coin)
}

// planOrders checks aggregate balance once against refPrice, then
// builds a plan that places one order per price in prices.
func (p *Processor) planOrders(ctx context.Context, side tradingapi.Side, perOrderAmount, refPrice decimal.Decimal, prices []decimal.Decimal) (plan, error) {
	totalAmount := perOrderAmount.Mul(decimal.NewFromInt(int64(len(prices))))
	ok, reason := p.hasSufficientBalance(ctx, side, totalAmount, refPrice, false)
	if !ok {
		return plan{execute: func(ctx context.Context) Result { return infoResult(reason) }}, nil
	}

	needsConfirm, err := p.exceedsConfirmThreshold(ctx, side, totalAmount, refPrice)
	if err != nil {
		p.logger.Warn("fill: notional check failed", "error", err)
	}

	description := fmt.Sprintf("fill %d %s orders totalling %s %s", len(prices), side, totalAmount, p.deps.Pair.Base)
	return plan{
		needsConfirm: needsConfirm,
		description:  description,
		execute: func(ctx context.Context) Result {
			placed := 0
			for _, price := range prices {
				result, err := p.deps.Trader.PlaceOrder(ctx, side, p.deps.Pair, &price, &perOrderAmount, nil, tradingapi.OrderLimit)
				if err != nil || result.Rejected {
					continue
				}
				o := ledger.NewOrder(p.deps.Pair, side, tradingapi.OrderLimit, tradingapi.PurposeManual, price, perOrderAmount)
				o.ExchangeID = result.ID
				if err := p.deps.Ledger.Insert(o); err == nil {
					placed++
					metrics.IncOrderPlaced(string(tradingapi.PurposeManual), string(side))
				}
			}
			return infoResult(fmt.Sprintf("fill: placed %d/%d orders", placed, len(prices)))
		},
	}, nil
}

// exceedsConfirmThreshold reports whether amount*price (converted to
// USD via the rate-info service) meets the operator's configured
// confirmation threshold.
func (p *Processor) exceedsConfirmThreshold(ctx context.Context, side tradingapi.Side, amount, price decimal.Decimal) (bool, error) {
	threshold := p.deps.Params.Snapshot().AmountToConfirmUSD
	if threshold.IsZero() {
		return false, nil
	}
	notionalQuote := amount.Mul(price)
	usd, err := p.deps.Rates.Convert(ctx, p.deps.Pair.Quote, "USD")
	if err != nil {
		return notionalQuote.GreaterThanOrEqual(threshold), err
	}
	return notionalQuote.Mul(usd).GreaterThanOrEqual(threshold), nil
}

func handleMake(ctx context.Context, p *Processor, args []string) (plan, error) {
	const usage = "make price T c2 now"
	if len(args) < 2 || args[0] != "price" {
		return plan{}, validationErr(usage, "expected 'price' as the first argument")
	}
	target, err := decimal.NewFromString(args[1])
	if err != nil {
		return plan{}, validationErr(usage, "target %q is not a number", args[1])
	}
	if len(args) < 4 || args[len(args)-1] != "now" {
		return plan{}, validationErr(usage, "only immediate execution ('now') is supported")
	}

	return plan{
		needsConfirm: true,
		description:  fmt.Sprintf("move %s price to %s", p.deps.Pair, target),
		execute: func(ctx context.Context) Result {
			report, err := p.deps.PriceMaker.Push(ctx, target)
			if err != nil {
				return notifyResult(notify.LevelError, "make: "+err.Error())
			}
			if !report.Success {
				return infoResult("make: " + report.Reason)
			}
			return infoResult(fmt.Sprintf("make: placed %s %s at %s, mid %s -> %s",
				report.Side, report.Amount, report.TargetPrice, report.BeforeMid, report.AfterMid))
		},
	}, nil
}

// --- informational ---

func handleRates(ctx context.Context, p *Processor, args []string) (plan, error) {
	return immediate(func(ctx context.Context) Result {
		r, err := p.deps.Trader.GetRates(ctx, p.deps.Pair)
		if err != nil {
			return notifyResult(notify.LevelError, "rates: "+err.Error())
		}
		return infoResult(fmt.Sprintf("bid=%s ask=%s last=%s 24h[%s,%s] vol=%s", r.Bid, r.Ask, r.Last, r.Low24h, r.High24h, r.Volume24h))
	}), nil
}

func handleStats(ctx context.Context, p *Processor, args []string) (plan, error) {
	window := ledger.WindowDay
	if len(args) >= 1 {
		window = ledger.Window(args[0])
	}
	return immediate(func(ctx context.Context) Result {
		stats, err := p.deps.Ledger.StatsByPurpose(p.deps.Pair, window)
		if err != nil {
			return notifyResult(notify.LevelError, "stats: "+err.Error())
		}
		if len(stats) == 0 {
			return infoResult("stats: no orders in window")
		}
		var b strings.Builder
		for _, s := range stats {
			fmt.Fprintf(&b, "%s: total=%d closed=%d filled=%d\n", s.Purpose, s.TotalOrders, s.ClosedOrders, s.FilledOrders)
		}
		return infoResult(strings.TrimSpace(b.String()))
	}), nil
}

func handleOrders(ctx context.Context, p *Processor, args []string) (plan, error) {
	return immediate(func(ctx context.Context) Result {
		open, err := p.deps.Ledger.FindOpen(p.deps.Pair)
		if err != nil {
			return notifyResult(notify.LevelError, "orders: "+err.Error())
		}
		return infoResult(fmt.Sprintf("%d open orders for %s", len(open), p.deps.Pair))
	}), nil
}

func handleBalances(ctx context.Context, p *Processor, args []string) (plan, error) {
	return immediate(func(ctx context.Context) Result {
		entries, err := p.deps.Trader.GetBalances(ctx, false)
		if err != nil {
			return notifyResult(notify.LevelError, "balances: "+err.Error())
		}
		var b strings.Builder
		for _, e := range entries {
			fmt.Fprintf(&b, "%s: free=%s locked=%s\n", e.Coin, e.Free, e.Locked)
		}
		if b.Len() == 0 {
			return infoResult("balances: none")
		}
		return infoResult(strings.TrimSpace(b.String()))
	}), nil
}

func handleParams(ctx context.Context, p *Processor, args []string) (plan, error) {
	return immediate(func(ctx context.Context) Result {
		pr := p.deps.Params.Snapshot()
		return infoResult(fmt.Sprintf(
			"active=%v policy=%s ob[active=%v count=%d buy%%=%.1f] liq[active=%v spread%%=%.2f trend=%s] pw[active=%v policy=%s]",
			pr.IsActive, pr.Policy, pr.OBActive, pr.OBOrdersCount, pr.OBBuyPercent,
			pr.LiqActive, pr.LiqSpreadPercent, pr.LiqTrend, pr.PWActive, pr.PWPolicy))
	}), nil
}

func handleInfo(ctx context.Context, p *Processor, args []string) (plan, error) {
	return immediate(func(ctx context.Context) Result {
		pr := p.deps.Params.Snapshot()
		return infoResult(fmt.Sprintf("pair=%s active=%v policy=%s", p.deps.Pair, pr.IsActive, pr.Policy))
	}), nil
}

func handlePair(ctx context.Context, p *Processor, args []string) (plan, error) {
	return immediate(func(ctx context.Context) Result { return infoResult(p.deps.Pair.String()) }), nil
}

func handleCalc(ctx context.Context, p *Processor, args []string) (plan, error) {
	const usage = "calc amount from to"
	if len(args) < 3 {
		return plan{}, validationErr(usage, "expected amount, from, to")
	}
	amount, err := decimal.NewFromString(args[0])
	if err != nil {
		return plan{}, validationErr(usage, "amount %q is not a number", args[0])
	}
	from, to := args[1], args[2]
	return immediate(func(ctx context.Context) Result {
		rate, err := p.deps.Rates.Convert(ctx, from, to)
		if err != nil {
			return notifyResult(notify.LevelError, "calc: "+err.Error())
		}
		return infoResult(fmt.Sprintf("%s %s = %s %s", amount, from, amount.Mul(rate), to))
	}), nil
}

func handleDeposit(ctx context.Context, p *Processor, args []string) (plan, error) {
	return immediate(func(ctx context.Context) Result {
		if !p.deps.Trader.Features().GetDepositAddress {
			return infoResult("deposit: this exchange adapter does not support address retrieval")
		}
		return infoResult("deposit: address retrieval is not wired to a trading-API call")
	}), nil
}

func handleAccount(ctx context.Context, p *Processor, args []string) (plan, error) {
	return immediate(func(ctx context.Context) Result {
		entries, err := p.deps.Trader.GetBalances(ctx, false)
		if err != nil {
			return notifyResult(notify.LevelError, "account: "+err.Error())
		}
		return infoResult(fmt.Sprintf("pair=%s balances=%d", p.deps.Pair, len(entries)))
	}), nil
}

func handleVersion(ctx context.Context, p *Processor, args []string) (plan, error) {
	return immediate(func(ctx context.Context) Result { return infoResult("mmagent command protocol v1") }), nil
}

func handleHelp(ctx context.Context, p *Processor, args []string) (plan, error) {
	return immediate(func(ctx context.Context) Result {
		verbs := make([]string, 0, len(handlers)+1)
		for v := range handlers {
			verbs = append(verbs, v)
		}
		verbs = append(verbs, "y")
		return infoResult("commands: " + strings.Join(verbs, ", "))
	}), nil
}

func immediate(fn func(ctx context.Context) Result) plan {
	return plan{execute: fn}
}

// --- shared parsing helpers ---

func parsePercent(s string) (float64, error) {
	s = strings.TrimSuffix(s, "%")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%q is not a percentage", s)
	}
	return v, nil
}

func parseRange(s string) (decimal.Decimal, decimal.Decimal, error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%q is not a min-max range", s)
	}
	lo, err := decimal.NewFromString(parts[0])
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("bad min %q", parts[0])
	}
	hi, err := decimal.NewFromString(parts[1])
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("bad max %q", parts[1])
	}
	return lo, hi, nil
}

func parseSide(s string) (tradingapi.Side, error) {
	switch s {
	case "buy":
		return tradingapi.SideBuy, nil
	case "sell":
		return tradingapi.SideSell, nil
	default:
		return "", fmt.Errorf("%q is not buy|sell", s)
	}
}

func parsePairToken(tok string, expected tradingapi.Pair) (tradingapi.Pair, error) {
	if tok == "" || !strings.Contains(tok, "/") {
		return tradingapi.Pair{}, fmt.Errorf("not a pair token")
	}
	parts := strings.SplitN(tok, "/", 2)
	got := tradingapi.Pair{Base: parts[0], Quote: parts[1]}
	if !strings.EqualFold(got.Base, expected.Base) || !strings.EqualFold(got.Quote, expected.Quote) {
		return tradingapi.Pair{}, fmt.Errorf("pair %s does not match configured %s", got, expected)
	}
	return got, nil
}

func parseKV(args []string) map[string]string {
	kv := make(map[string]string, len(args))
	for _, a := range args {
		if i := strings.IndexByte(a, '='); i >= 0 {
			kv[a[:i]] = a[i+1:]
		}
	}
	return kv
}

func decimalFromKV(kv map[string]string, key string) (decimal.Decimal, error) {
	v, ok := kv[key]
	if !ok {
		return decimal.Zero, fmt.Errorf("missing %s=", key)
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bad %s=%q", key, v)
	}
	return d, nil
}

func amountOrQuote(kv map[string]string) (amount *decimal.Decimal, quote *decimal.Decimal, err error) {
	if v, ok := kv["quote"]; ok {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, nil, fmt.Errorf("bad quote=%q", v)
		}
		return nil, &d, nil
	}
	if v, ok := kv["amount"]; ok {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, nil, fmt.Errorf("bad amount=%q", v)
		}
		return &d, nil, nil
	}
	return nil, nil, fmt.Errorf("need amount= or quote=")
}
