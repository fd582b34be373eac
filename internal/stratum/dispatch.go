package stratum

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"

	"github.com/ckpool-go/ckpool/internal/session"
	"github.com/ckpool-go/ckpool/internal/share"
	"github.com/ckpool-go/ckpool/internal/workbase"
	"github.com/ckpool-go/ckpool/pkg/metrics"
)

// Sender delivers a framed message to one connected client; the server
// layer supplies the implementation bound to a single TCP connection.
type Sender func(v interface{})

// LooksLikeAddressFunc reports whether an authorize username is shaped like
// a payout address, used to decide whether address validation is required
// (spec.md §4.2 Authorise contract).
type LooksLikeAddressFunc func(account string) bool

// Dispatcher wires the Session Manager, Workbase Manager, and Share
// Validator into the wire-level method handlers (spec.md §4.4).
type Dispatcher struct {
	sessions *session.Manager
	wbs      *workbase.Manager
	dupes    *share.DupeSet

	looksLikeAddress LooksLikeAddressFunc

	varDiff               session.VarDiffParams
	poolDiffMin, poolDiffMax float64

	sharesAccepted metrics.Counter
	sharesRejected metrics.Counter
}

// NewDispatcher constructs the protocol dispatch layer.
func NewDispatcher(sessions *session.Manager, wbs *workbase.Manager, dupes *share.DupeSet, looksLikeAddress LooksLikeAddressFunc, vd session.VarDiffParams, poolDiffMin, poolDiffMax float64) *Dispatcher {
	return &Dispatcher{
		sessions:         sessions,
		wbs:              wbs,
		dupes:            dupes,
		looksLikeAddress: looksLikeAddress,
		varDiff:          vd,
		poolDiffMin:      poolDiffMin,
		poolDiffMax:      poolDiffMax,
		sharesAccepted:   metrics.NewRegisteredCounter("stratum/shares_accepted"),
		sharesRejected:   metrics.NewRegisteredCounter("stratum/shares_rejected"),
	}
}

// Dispatch routes one parsed Request to its handler. client is nil only
// before mining.subscribe has completed, in which case every method except
// subscribe is rejected.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request, client *session.Client, send Sender) *session.Client {
	switch req.Method {
	case MethodSubscribe:
		return d.handleSubscribe(req, client, send)
	case MethodAuthorize:
		d.handleAuthorize(ctx, req, client, send)
	case MethodSubmit:
		d.handleSubmit(req, client, send)
	case MethodSuggestDiff:
		d.handleSuggestDifficulty(req, client, send)
	case MethodGetTransactions:
		d.handleGetTransactions(req, client, send)
	case MethodExtranonceSub:
		send(resultResponse(req.ID, true))
	default:
		send(errorResponse(req.ID, 20, "Unrecognised method "+req.Method))
	}
	return client
}

func (d *Dispatcher) handleSubscribe(req Request, client *session.Client, send Sender) *session.Client {
	var params []interface{}
	_ = json.Unmarshal(req.Params, &params)

	var useragent string
	var priorSession uint32
	if len(params) > 0 {
		if s, ok := params[0].(string); ok {
			useragent = s
		}
	}
	if len(params) > 1 {
		if s, ok := params[1].(string); ok {
			if v, err := strconv.ParseUint(s, 16, 32); err == nil {
				priorSession = uint32(v)
			}
		}
	}

	var clientID uint64
	if client != nil {
		clientID = client.ID
	}

	newClient, res, err := d.sessions.Subscribe(clientID, useragent, priorSession, 4)
	if err != nil {
		send(errorResponse(req.ID, 24, err.Error()))
		return client
	}

	send(resultResponse(req.ID, []interface{}{
		[][]string{{MethodNotify, res.SessionHex}},
		res.Enonce1Hex,
		res.Enonce2Len,
	}))
	return newClient
}

func (d *Dispatcher) handleAuthorize(ctx context.Context, req Request, client *session.Client, send Sender) {
	if client == nil || !clientSubscribed(client) {
		send(errorResponse(req.ID, 25, "not subscribed"))
		return
	}
	var params []string
	_ = json.Unmarshal(req.Params, &params)
	if len(params) == 0 {
		send(errorResponse(req.ID, -1, "missing workername"))
		return
	}
	workername := params[0]
	account, _ := session.WorkerName(workername)

	ok, err := d.sessions.Authorise(ctx, client, workername, d.looksLikeAddress != nil && d.looksLikeAddress(account))
	if err != nil {
		send(errorResponse(req.ID, 26, err.Error()))
		return
	}
	send(resultResponse(req.ID, ok))
}

func (d *Dispatcher) handleSuggestDifficulty(req Request, client *session.Client, send Sender) {
	if client == nil {
		send(errorResponse(req.ID, 25, "not subscribed"))
		return
	}
	var params []float64
	_ = json.Unmarshal(req.Params, &params)
	if len(params) == 0 || params[0] <= 0 {
		send(errorResponse(req.ID, -1, "invalid difficulty"))
		return
	}
	client.SetSuggestDiff(params[0])
	send(resultResponse(req.ID, true))
}

func (d *Dispatcher) handleGetTransactions(req Request, client *session.Client, send Sender) {
	var params []string
	_ = json.Unmarshal(req.Params, &params)
	if len(params) == 0 {
		send(errorResponse(req.ID, -1, "missing job_id"))
		return
	}
	id, err := strconv.ParseInt(params[0], 16, 64)
	if err != nil {
		send(errorResponse(req.ID, -1, "malformed job_id"))
		return
	}
	wb, ok := d.wbs.Lookup(id)
	if !ok {
		send(errorResponse(req.ID, 21, "Job not found"))
		return
	}
	defer wb.Unref()
	send(resultResponse(req.ID, []string{}))
}

// handleSubmit implements the submit contract end to end: coercion, header
// reconstruction, PoW check, and the classification order of spec.md §4.3
// step 5 (unknown job -> stale -> ntime -> high-diff -> duplicate -> accept).
func (d *Dispatcher) handleSubmit(req Request, client *session.Client, send Sender) {
	if client == nil || !client.Active() {
		send(errorResponse(req.ID, 25, "Unauthorized worker"))
		return
	}
	var params []string
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params) < 5 {
		send(errorResponse(req.ID, -1, "malformed submit params"))
		d.reject(client, send, req.ID, share.CodeMalformed)
		return
	}

	sub := share.Submission{
		WorkerName: params[0],
		JobIDHex:   params[1],
		Enonce2Hex: params[2],
		NtimeHex:   params[3],
		NonceHex:   params[4],
	}

	jobID, err := strconv.ParseInt(sub.JobIDHex, 16, 64)
	if err != nil {
		d.reject(client, send, req.ID, share.CodeMalformed)
		return
	}

	wb, ok := d.wbs.Lookup(jobID)
	if !ok {
		if d.wbs.RetireGraceOK(jobID) {
			// within grace: treat as the last live workbase for validation purposes.
			latest, okLatest := d.wbs.Latest()
			if !okLatest {
				d.reject(client, send, req.ID, share.CodeStale)
				return
			}
			wb = latest
			wb.Ref()
		} else {
			d.reject(client, send, req.ID, share.CodeUnknownJob)
			return
		}
	} else if jobID < d.wbs.BlockChangeID() && !d.wbs.RetireGraceOK(jobID) {
		// still present among the protected newest ids, but a block change
		// has moved on to a later epoch and the grace window has lapsed
		// (spec.md §4.3 step 5).
		wb.Unref()
		d.reject(client, send, req.ID, share.CodeStale)
		return
	}
	defer wb.Unref()

	view := workbaseView(wb, client)
	diff, oldDiff, changeJobID := client.Diff()

	res := share.Validate(sub, view, diff, oldDiff, changeJobID)
	if !res.Accepted {
		d.reject(client, send, req.ID, res.Code)
		return
	}

	rec := share.Record{Hash: res.Hash, WorkbaseID: jobID}
	if isNew := d.dupes.CheckAndAdd(rec); !isNew {
		d.reject(client, send, req.ID, share.CodeDuplicate)
		return
	}

	client.RecordShare(res.ShareDiff)
	d.sharesAccepted.Inc(1)
	send(resultResponse(req.ID, true))

	if res.IsBlock {
		logger.Info("block candidate found", "workbase", jobID, "hash", hex.EncodeToString(res.Hash[:]))
	}
}

func (d *Dispatcher) reject(client *session.Client, send Sender, id json.RawMessage, code share.RejectCode) {
	d.sharesRejected.Inc(1)
	level := client.RecordReject()
	send(errorResponse(id, int(code), code.String()))
	if level >= session.RejectLevel3 {
		logger.Warn("client exceeded reject escalation, disconnecting", "client", client.ID)
	}
}

func workbaseView(wb *workbase.Workbase, client *session.Client) share.WorkbaseView {
	return share.WorkbaseView{
		ID:           wb.ID,
		Enonce2Len:   wb.Enonce2Len,
		Coinb1:       wb.Coinb1,
		Coinb2:       wb.Coinb2,
		Enonce1Const: client.Slot.Const,
		Enonce1Var:   client.Slot.Var,
		MerkleBranch: wb.MerkleBranch,
		NTime:        wb.NTime,
		BBVersion:    wb.BBVersion,
		NBit:         wb.NBit,
		PrevHashLE:   wb.PrevHashLE,
		NetworkDiff:  wb.NetworkDiff,
	}
}

func clientSubscribed(c *session.Client) bool {
	return c.Useragent() != "" || c.SessionID != 0
}

// NotifyParams is the mining.notify payload (spec.md §4.1 notify).
func NotifyParams(wb *workbase.Workbase, cleanJobs bool) []interface{} {
	branch := make([]string, len(wb.MerkleBranch))
	for i, h := range wb.MerkleBranch {
		branch[i] = hex.EncodeToString(h[:])
	}
	return []interface{}{
		strconv.FormatInt(wb.ID, 16),
		hex.EncodeToString(wb.PrevHashLE[:]),
		hex.EncodeToString(wb.Coinb1),
		hex.EncodeToString(wb.Coinb2),
		branch,
		hexUint32(wb.BBVersion),
		hexUint32(wb.NBit),
		hexUint32(wb.NTime),
		cleanJobs,
	}
}

func hexUint32(v uint32) string {
	return strconv.FormatUint(uint64(v), 16)
}

// SetDifficultyParams is the mining.set_difficulty payload.
func SetDifficultyParams(diff float64) []interface{} {
	return []interface{}{diff}
}

// vardiffTick recomputes and pushes a new difficulty for one client if its
// EWMA-derived recommendation falls outside the hysteresis band
// (spec.md §4.2 Var-diff algorithm). Called on the periodic timer the
// server drives per client.
func (d *Dispatcher) vardiffTick(client *session.Client, nextJobID int64, dsps5 float64, send Sender, now time.Time) {
	diff, _, _ := client.Diff()

	params := d.varDiff
	if floor := d.sessions.WorkerMinDiffFloor(client.WorkerName()); floor > params.WorkerMinDiff {
		params.WorkerMinDiff = floor
	}
	params.ClientSuggestDiff = client.SuggestDiff()

	newDiff, changed := session.RecommendDiff(dsps5, diff, params)
	if !changed {
		return
	}
	client.SetDiff(newDiff, nextJobID)
	send(Notify{Method: MethodSetDiff, Params: SetDifficultyParams(newDiff)})
}
