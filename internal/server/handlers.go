package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	log "github.com/sirupsen/logrus"

	"tokensale/internal/chain"
	"tokensale/internal/governance"
	"tokensale/internal/sale"
)

var errBadRequest = errors.New("bad request")

// request is the union of every mutating endpoint's body. Amounts are decimal
// strings in wei.
type request struct {
	Amount      string `json:"amount"`
	Cents       uint64 `json:"cents"`
	To          string `json:"to"`
	Recipient   string `json:"recipient"`
	PaymentID   string `json:"paymentId"`
	Controller  string `json:"controller"`
	Owner       string `json:"owner"`
	Escrow      string `json:"escrow"`
	Distributor string `json:"distributor"`
	Successor   string `json:"successor"`
}

func decode(r *http.Request) (request, error) {
	var req request
	if r.Body == nil || r.ContentLength == 0 {
		return req, nil
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, fmt.Errorf("%w: invalid json payload", errBadRequest)
	}
	return req, nil
}

func parseAmount(raw string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("%w: amount must be a decimal string", errBadRequest)
	}
	return amount, nil
}

func parseAddress(field, raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%w: %s must be a hex address", errBadRequest, field)
	}
	return common.HexToAddress(raw), nil
}

// targetSale resolves the ?sale= query parameter, defaulting to the live
// instance.
func (s *Server) targetSale(r *http.Request) (*sale.Sale, error) {
	raw := r.URL.Query().Get("sale")
	if raw == "" {
		var live *sale.Sale
		s.deployment.Chain.Read(func() {
			live = s.deployment.Live()
		})
		return live, nil
	}
	addr, err := parseAddress("sale", raw)
	if err != nil {
		return nil, err
	}
	return s.deployment.Sale(addr)
}

type purchaseResponse struct {
	Sale     string `json:"sale"`
	Tokens   string `json:"tokens"`
	Paid     string `json:"paid"`
	Refund   string `json:"refund"`
	Bonus    uint64 `json:"bonus"`
	Finished bool   `json:"finished"`
	State    string `json:"state"`
}

func newPurchaseResponse(target *sale.Sale, p sale.Purchase) purchaseResponse {
	return purchaseResponse{
		Sale:     target.Address().Hex(),
		Tokens:   bigString(p.Tokens),
		Paid:     bigString(p.Paid),
		Refund:   bigString(p.Refund),
		Bonus:    p.Bonus,
		Finished: p.Finished,
		State:    target.State().String(),
	}
}

func (s *Server) observeSold(target *sale.Sale) {
	s.deployment.Chain.Read(func() {
		s.metrics.setTokensSold(target.Address().Hex(), target.CurrentTokensSold())
	})
}

func (s *Server) handleBuy(w http.ResponseWriter, r *http.Request, caller common.Address) {
	req, err := decode(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, r, err)
		return
	}
	target, err := s.targetSale(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var resp purchaseResponse
	err = s.deployment.Chain.Execute(r.Context(), func(tx *chain.Tx) error {
		p, err := target.Buy(tx, caller, amount)
		if err != nil {
			return err
		}
		resp = newPurchaseResponse(target, p)
		return nil
	})
	if err != nil {
		s.metrics.incBuy("failed")
		writeError(w, r, err)
		return
	}
	s.metrics.incBuy("accepted")
	s.observeSold(target)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTopUp(w http.ResponseWriter, r *http.Request, caller common.Address) {
	req, err := decode(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, r, err)
		return
	}
	target, err := s.targetSale(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.deployment.Chain.Execute(r.Context(), func(tx *chain.Tx) error {
		return target.TopUp(tx, caller, amount)
	}); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"sale":    target.Address().Hex(),
		"balance": bigString(target.Balance()),
	})
}

type confirmation struct {
	Operation string `json:"operation"`
	Target    string `json:"target,omitempty"`
	Executed  bool   `json:"executed"`
}

// confirmFunc submits one owner confirmation inside tx.
type confirmFunc func(tx *chain.Tx, caller common.Address) (bool, error)

func (s *Server) confirm(w http.ResponseWriter, r *http.Request, caller common.Address, name string, target common.Address, op confirmFunc) {
	var executed bool
	err := s.deployment.Chain.Execute(r.Context(), func(tx *chain.Tx) error {
		var err error
		executed, err = op(tx, caller)
		return err
	})
	s.metrics.incConfirmation(name, executed, err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	log.WithFields(log.Fields{
		"operation": name,
		"owner":     caller.Hex(),
		"executed":  executed,
	}).Info("governance confirmation")
	status := http.StatusAccepted
	if executed {
		status = http.StatusOK
	}
	writeJSON(w, status, confirmation{Operation: name, Target: hexOrEmpty(target), Executed: executed})
}

func (s *Server) handleGovernance(w http.ResponseWriter, r *http.Request, caller common.Address) {
	req, err := decode(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	target, err := s.targetSale(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var op confirmFunc
	name := r.PathValue("op")
	switch name {
	case "setPrice":
		s.confirm(w, r, caller, name, common.Address{}, func(tx *chain.Tx, caller common.Address) (bool, error) {
			return s.deployment.Oracle.SetPrice(tx, caller, req.Cents)
		})
		return
	case "pause":
		op = target.Pause
	case "unpause":
		op = target.Unpause
	case "finish":
		op = target.FinishICO
	case "fail":
		op = target.FailICO
	case "init":
		distributor, err := parseAddress("distributor", req.Distributor)
		if err != nil {
			writeError(w, r, err)
			return
		}
		// Only the deployment's escrow exists; a different address is rejected.
		if req.Escrow != "" && common.HexToAddress(req.Escrow) != s.deployment.Escrow.Address() {
			writeError(w, r, fmt.Errorf("%w: unknown escrow %s", errBadRequest, req.Escrow))
			return
		}
		op = func(tx *chain.Tx, caller common.Address) (bool, error) {
			return target.Init(tx, caller, s.deployment.Escrow, distributor)
		}
	case "hotfix":
		addr, err := parseAddress("successor", req.Successor)
		if err != nil {
			writeError(w, r, err)
			return
		}
		next, err := s.deployment.Sale(addr)
		if err != nil {
			writeError(w, r, err)
			return
		}
		op = func(tx *chain.Tx, caller common.Address) (bool, error) {
			return target.ApplyHotFix(tx, caller, next)
		}
	case "setNonEtherController":
		controller, err := parseAddress("controller", req.Controller)
		if err != nil {
			writeError(w, r, err)
			return
		}
		op = func(tx *chain.Tx, caller common.Address) (bool, error) {
			return target.SetNonEtherController(tx, caller, controller)
		}
	default:
		http.Error(w, "unknown governance operation", http.StatusNotFound)
		return
	}
	s.confirm(w, r, caller, name, target.Address(), op)
}

func (s *Server) handleEscrow(w http.ResponseWriter, r *http.Request, caller common.Address) {
	req, err := decode(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	e := s.deployment.Escrow

	switch name := r.PathValue("op"); name {
	case "sendEther":
		to, err := parseAddress("to", req.To)
		if err != nil {
			writeError(w, r, err)
			return
		}
		amount, err := parseAmount(req.Amount)
		if err != nil {
			writeError(w, r, err)
			return
		}
		s.confirm(w, r, caller, name, e.Address(), func(tx *chain.Tx, caller common.Address) (bool, error) {
			return e.SendEther(tx, caller, to, amount)
		})
	case "setController":
		controller, err := parseAddress("controller", req.Controller)
		if err != nil {
			writeError(w, r, err)
			return
		}
		s.confirm(w, r, caller, name, e.Address(), func(tx *chain.Tx, caller common.Address) (bool, error) {
			return e.SetController(tx, caller, controller)
		})
	case "withdraw":
		var refunded *big.Int
		if err := s.deployment.Chain.Execute(r.Context(), func(tx *chain.Tx) error {
			var err error
			refunded, err = e.WithdrawPayments(tx, caller)
			return err
		}); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"refunded": bigString(refunded)})
	default:
		http.Error(w, "unknown escrow operation", http.StatusNotFound)
	}
}

type creditResponse struct {
	PaymentID string           `json:"paymentId"`
	Duplicate bool             `json:"duplicate"`
	Purchase  purchaseResponse `json:"purchase"`
}

func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request, caller common.Address) {
	req, err := decode(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	recipient, err := parseAddress("recipient", req.Recipient)
	if err != nil {
		writeError(w, r, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, r, err)
		return
	}

	m := s.deployment.Minter
	resp := creditResponse{PaymentID: req.PaymentID}
	var target *sale.Sale
	err = s.deployment.Chain.Execute(r.Context(), func(tx *chain.Tx) error {
		res, err := m.Mint(tx, caller, req.PaymentID, recipient, amount)
		if err != nil {
			return err
		}
		target = s.deployment.Live()
		resp.Duplicate = res.Duplicate
		if !res.Duplicate {
			resp.Purchase = newPurchaseResponse(target, res.Purchase)
		}
		return nil
	})
	if err != nil {
		s.metrics.incCredit("failed")
		writeError(w, r, err)
		return
	}
	if resp.Duplicate {
		s.metrics.incCredit("duplicate")
		writeJSON(w, http.StatusOK, resp)
		return
	}
	s.metrics.incCredit("credited")
	s.observeSold(target)
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleMinterOwner(w http.ResponseWriter, r *http.Request, caller common.Address) {
	req, err := decode(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	owner, err := parseAddress("owner", req.Owner)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.deployment.Chain.Execute(r.Context(), func(tx *chain.Tx) error {
		return s.deployment.Minter.TransferOwnership(tx, caller, owner)
	}); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"owner": owner.Hex()})
}

func (s *Server) handleDeploySuccessor(w http.ResponseWriter, r *http.Request, caller common.Address) {
	if !s.deployment.Governance.IsOwner(caller) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "only owners may deploy instances"})
		return
	}
	next, err := s.deployment.DeploySuccessor(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	var predecessor common.Address
	s.deployment.Chain.Read(func() {
		predecessor = next.Snapshot().Predecessor
	})
	writeJSON(w, http.StatusCreated, map[string]string{
		"address":     next.Address().Hex(),
		"predecessor": predecessor.Hex(),
	})
}

type saleView struct {
	Address            string `json:"address"`
	State              string `json:"state"`
	CurrentTokensSold  string `json:"currentTokensSold"`
	MaximumTokensSold  string `json:"maximumTokensSold"`
	Balance            string `json:"balance"`
	Escrow             string `json:"escrow,omitempty"`
	TokenDistributor   string `json:"tokenDistributor,omitempty"`
	NonEtherController string `json:"nonEtherController,omitempty"`
	Predecessor        string `json:"predecessor,omitempty"`
	Successor          string `json:"successor,omitempty"`
	EndTime            int64  `json:"endTime"`
	Bonus              uint64 `json:"bonus"`
}

type pendingView struct {
	Name          string   `json:"name"`
	Hash          string   `json:"hash"`
	Confirmations []string `json:"confirmations"`
}

type snapshotResponse struct {
	Live   string     `json:"live"`
	Sales  []saleView `json:"sales"`
	Escrow struct {
		Address    string `json:"address"`
		State      string `json:"state"`
		Controller string `json:"controller"`
		Balance    string `json:"balance"`
	} `json:"escrow"`
	Oracle struct {
		Cents   uint64 `json:"cents"`
		Updated int64  `json:"updated,omitempty"`
	} `json:"oracle"`
	Minter struct {
		Address string `json:"address"`
		Owner   string `json:"owner"`
	} `json:"minter"`
	Pending []pendingView `json:"pending"`
}

func hexOrEmpty(addr common.Address) string {
	if addr == (common.Address{}) {
		return ""
	}
	return addr.Hex()
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	d := s.deployment
	var resp snapshotResponse
	d.Chain.Read(func() {
		now := d.Chain.Now()
		resp.Live = d.Live().Address().Hex()
		for _, inst := range d.Sales() {
			snap := inst.Snapshot()
			resp.Sales = append(resp.Sales, saleView{
				Address:            snap.Address.Hex(),
				State:              snap.State.String(),
				CurrentTokensSold:  bigString(snap.CurrentTokensSold),
				MaximumTokensSold:  bigString(snap.MaximumTokensSold),
				Balance:            bigString(snap.Balance),
				Escrow:             hexOrEmpty(snap.Escrow),
				TokenDistributor:   hexOrEmpty(snap.TokenDistributor),
				NonEtherController: hexOrEmpty(snap.NonEtherController),
				Predecessor:        hexOrEmpty(snap.Predecessor),
				Successor:          hexOrEmpty(snap.Successor),
				EndTime:            snap.EndTime.Unix(),
				Bonus:              inst.Bonus(now),
			})
		}
		resp.Escrow.Address = d.Escrow.Address().Hex()
		resp.Escrow.State = d.Escrow.State().String()
		resp.Escrow.Controller = d.Escrow.Controller().Hex()
		resp.Escrow.Balance = bigString(d.Escrow.Balance())
		if cents, err := d.Oracle.Price(); err == nil {
			resp.Oracle.Cents = cents
			resp.Oracle.Updated = d.Oracle.Updated().Unix()
		}
		resp.Minter.Address = d.Minter.Address().Hex()
		resp.Minter.Owner = d.Minter.Owner().Hex()
		resp.Pending = pendingViews(d.Governance.Pending())
	})
	writeJSON(w, http.StatusOK, resp)
}

func pendingViews(ops []governance.PendingOperation) []pendingView {
	out := make([]pendingView, 0, len(ops))
	for _, op := range ops {
		v := pendingView{Name: op.Name, Hash: op.Hash.Hex()}
		for _, c := range op.Confirmations {
			v.Confirmations = append(v.Confirmations, c.Hex())
		}
		out = append(out, v)
	}
	return out
}
