package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/elys-network/lsv/internal/oracle"
	"github.com/elys-network/lsv/internal/state"
	"github.com/elys-network/lsv/internal/types"
	"github.com/elys-network/lsv/internal/utils"
)

const maxHarvestsLimit = 500

type depositRequest struct {
	Caller   common.Address `json:"caller"`
	Receiver common.Address `json:"receiver"`
	Assets   string         `json:"assets"`
}

type sharesRequest struct {
	Caller   common.Address `json:"caller"`
	Shares   string         `json:"shares"`
	Receiver common.Address `json:"receiver"`
	Owner    common.Address `json:"owner"`
}

type approveRequest struct {
	Owner   common.Address `json:"owner"`
	Spender common.Address `json:"spender"`
	Shares  string         `json:"shares"`
}

type claimRequest struct {
	Caller          common.Address `json:"caller"`
	Receiver        common.Address `json:"receiver"`
	PositionTicket  string         `json:"position_ticket"`
	CheckpointIndex int            `json:"checkpoint_index"`
}

type harvestRequest struct {
	RewardsRoot       common.Hash   `json:"rewards_root"`
	Reward            string        `json:"reward"`
	UnlockedMevReward string        `json:"unlocked_mev_reward"`
	Proof             []common.Hash `json:"proof"`
}

type assetsRequest struct {
	To     common.Address `json:"to"`
	Assets string         `json:"assets"`
}

type rewardsUpdateRequest struct {
	RewardsRoot        common.Hash   `json:"rewards_root"`
	RewardsIpfsHash    string        `json:"rewards_ipfs_hash"`
	AvgRewardPerSecond uint64        `json:"avg_reward_per_second"`
	UpdateTimestamp    uint64        `json:"update_timestamp"`
	Nonce              uint64        `json:"nonce"`
	Signatures         hexutil.Bytes `json:"signatures"`
}

func (ws *WebServer) handleGetVault(w http.ResponseWriter, r *http.Request) {
	ws.writeJSONResponse(w, http.StatusOK, ws.vault.Summary())
}

func (ws *WebServer) handleConvertToShares(w http.ResponseWriter, r *http.Request) {
	assets, err := utils.ParseAmount(r.URL.Query().Get("assets"))
	if err != nil {
		ws.writeErrorResponse(w, http.StatusBadRequest, "Invalid assets: "+err.Error())
		return
	}
	shares, err := ws.vault.ConvertToShares(assets)
	if err != nil {
		ws.writeOperationError(w, r, err)
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"assets": assets,
		"shares": shares,
	})
}

func (ws *WebServer) handleConvertToAssets(w http.ResponseWriter, r *http.Request) {
	shares, err := utils.ParseAmount(r.URL.Query().Get("shares"))
	if err != nil {
		ws.writeErrorResponse(w, http.StatusBadRequest, "Invalid shares: "+err.Error())
		return
	}
	assets, err := ws.vault.ConvertToAssets(shares)
	if err != nil {
		ws.writeOperationError(w, r, err)
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"shares": shares,
		"assets": assets,
	})
}

func (ws *WebServer) handleGetCheckpoints(w http.ResponseWriter, r *http.Request) {
	checkpoints := ws.vault.Checkpoints()
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"checkpoints": checkpoints,
		"count":       len(checkpoints),
	})
}

// handleGetCheckpointIndex answers with count when the ticket is not settled yet.
func (ws *WebServer) handleGetCheckpointIndex(w http.ResponseWriter, r *http.Request) {
	ticket, err := utils.ParseAmount(r.URL.Query().Get("ticket"))
	if err != nil {
		ws.writeErrorResponse(w, http.StatusBadRequest, "Invalid ticket: "+err.Error())
		return
	}
	index := ws.vault.GetExitQueueIndex(ticket)
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"position_ticket": ticket,
		"index":           index,
		"settled":         index < len(ws.vault.Checkpoints()),
	})
}

func (ws *WebServer) handleGetExitRequest(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	receiver, ok := parseAddress(vars["receiver"])
	if !ok {
		ws.writeErrorResponse(w, http.StatusBadRequest, "Invalid receiver address")
		return
	}
	ticket, err := utils.ParseAmount(vars["ticket"])
	if err != nil {
		ws.writeErrorResponse(w, http.StatusBadRequest, "Invalid ticket: "+err.Error())
		return
	}
	shares := ws.vault.ExitRequest(receiver, ticket)
	if shares.IsZero() {
		ws.writeErrorResponse(w, http.StatusNotFound, "Exit request not found")
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, types.ExitRequest{Receiver: receiver, PositionTicket: ticket, Shares: shares})
}

func (ws *WebServer) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	holder, ok := parseAddress(mux.Vars(r)["address"])
	if !ok {
		ws.writeErrorResponse(w, http.StatusBadRequest, "Invalid address")
		return
	}
	shares := ws.vault.BalanceOf(holder)
	assets, err := ws.vault.ConvertToAssets(shares)
	if err != nil {
		ws.writeOperationError(w, r, err)
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"address": holder,
		"shares":  shares,
		"assets":  assets,
	})
}

func (ws *WebServer) handleGetAllowance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	owner, ok := parseAddress(vars["owner"])
	if !ok {
		ws.writeErrorResponse(w, http.StatusBadRequest, "Invalid owner address")
		return
	}
	spender, ok := parseAddress(vars["spender"])
	if !ok {
		ws.writeErrorResponse(w, http.StatusBadRequest, "Invalid spender address")
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"owner":   owner,
		"spender": spender,
		"shares":  ws.vault.Allowance(owner, spender),
	})
}

func (ws *WebServer) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !ws.decode(w, r, &req) {
		return
	}
	assets, ok := ws.amount(w, "assets", req.Assets)
	if !ok {
		return
	}
	shares, err := ws.vault.Deposit(r.Context(), req.Caller, req.Receiver, assets)
	if err != nil {
		ws.writeOperationError(w, r, err)
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{"shares": shares})
}

func (ws *WebServer) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var req sharesRequest
	if !ws.decode(w, r, &req) {
		return
	}
	shares, ok := ws.amount(w, "shares", req.Shares)
	if !ok {
		return
	}
	assets, err := ws.vault.Redeem(r.Context(), req.Caller, shares, req.Receiver, req.Owner)
	if err != nil {
		ws.writeOperationError(w, r, err)
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{"assets": assets})
}

func (ws *WebServer) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if !ws.decode(w, r, &req) {
		return
	}
	shares, ok := ws.amount(w, "shares", req.Shares)
	if !ok {
		return
	}
	if err := ws.vault.Approve(r.Context(), req.Owner, req.Spender, shares); err != nil {
		ws.writeOperationError(w, r, err)
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{"shares": shares})
}

func (ws *WebServer) handleEnterExitQueue(w http.ResponseWriter, r *http.Request) {
	var req sharesRequest
	if !ws.decode(w, r, &req) {
		return
	}
	shares, ok := ws.amount(w, "shares", req.Shares)
	if !ok {
		return
	}
	ticket, err := ws.vault.EnterExitQueue(r.Context(), req.Caller, shares, req.Receiver, req.Owner)
	if err != nil {
		ws.writeOperationError(w, r, err)
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{"position_ticket": ticket})
}

func (ws *WebServer) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if !ws.decode(w, r, &req) {
		return
	}
	ticket, ok := ws.amount(w, "position_ticket", req.PositionTicket)
	if !ok {
		return
	}
	res, err := ws.vault.ClaimExitedAssets(r.Context(), req.Caller, req.Receiver, ticket, req.CheckpointIndex)
	if err != nil {
		ws.writeOperationError(w, r, err)
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, res)
}

func (ws *WebServer) handleUpdateState(w http.ResponseWriter, r *http.Request) {
	var req harvestRequest
	if !ws.decode(w, r, &req) {
		return
	}
	reward, err := utils.ParseSignedAmount(req.Reward)
	if err != nil {
		ws.writeErrorResponse(w, http.StatusBadRequest, "Invalid reward: "+err.Error())
		return
	}
	mev, ok := ws.amount(w, "unlocked_mev_reward", req.UnlockedMevReward)
	if !ok {
		return
	}
	record, err := ws.vault.UpdateState(r.Context(), oracle.HarvestParams{
		RewardsRoot:       req.RewardsRoot,
		Reward:            reward,
		UnlockedMevReward: mev,
		Proof:             req.Proof,
	})
	if err != nil {
		ws.writeOperationError(w, r, err)
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, record)
}

func (ws *WebServer) handleSettle(w http.ResponseWriter, r *http.Request) {
	settled, err := ws.vault.SettleExitQueue(r.Context())
	if err != nil {
		ws.writeOperationError(w, r, err)
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"settled":     settled,
		"checkpoints": len(ws.vault.Checkpoints()),
	})
}

func (ws *WebServer) handleReceiveWithdrawals(w http.ResponseWriter, r *http.Request) {
	var req assetsRequest
	if !ws.decode(w, r, &req) {
		return
	}
	assets, ok := ws.amount(w, "assets", req.Assets)
	if !ok {
		return
	}
	if err := ws.vault.ReceiveWithdrawals(r.Context(), assets); err != nil {
		ws.writeOperationError(w, r, err)
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, ws.vault.Summary())
}

func (ws *WebServer) handleFundValidators(w http.ResponseWriter, r *http.Request) {
	var req assetsRequest
	if !ws.decode(w, r, &req) {
		return
	}
	assets, ok := ws.amount(w, "assets", req.Assets)
	if !ok {
		return
	}
	if err := ws.vault.FundValidators(r.Context(), req.To, assets); err != nil {
		ws.writeOperationError(w, r, err)
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, ws.vault.Summary())
}

func (ws *WebServer) handleGetKeeper(w http.ResponseWriter, r *http.Request) {
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"state":              ws.keeper.State(),
		"can_update_rewards": ws.keeper.CanUpdateRewards(),
	})
}

func (ws *WebServer) handleGetVaultRewards(w http.ResponseWriter, r *http.Request) {
	vault, ok := parseAddress(mux.Vars(r)["vault"])
	if !ok {
		ws.writeErrorResponse(w, http.StatusBadRequest, "Invalid vault address")
		return
	}
	reward, mev := ws.keeper.RewardSync(vault)
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"vault":               vault,
		"reward":              reward,
		"unlocked_mev_reward": mev,
		"harvest_required":    ws.keeper.IsHarvestRequired(vault),
		"can_harvest":         ws.keeper.CanHarvest(vault),
		"collateralized":      ws.keeper.IsCollateralized(vault),
	})
}

func (ws *WebServer) handleUpdateRewards(w http.ResponseWriter, r *http.Request) {
	var req rewardsUpdateRequest
	if !ws.decode(w, r, &req) {
		return
	}
	err := ws.keeper.UpdateRewards(r.Context(), oracle.RewardsUpdateParams{
		RewardsRoot:        req.RewardsRoot,
		RewardsIpfsHash:    req.RewardsIpfsHash,
		AvgRewardPerSecond: req.AvgRewardPerSecond,
		UpdateTimestamp:    req.UpdateTimestamp,
		Nonce:              req.Nonce,
		Signatures:         req.Signatures,
	})
	if err != nil {
		ws.writeOperationError(w, r, err)
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, ws.keeper.State())
}

// handleGetHarvests returns the latest harvest records
func (ws *WebServer) handleGetHarvests(w http.ResponseWriter, r *http.Request) {
	if ws.history == nil {
		ws.writeErrorResponse(w, http.StatusServiceUnavailable, "Harvest history is not available")
		return
	}
	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsedLimit, err := strconv.Atoi(limitStr); err == nil && parsedLimit > 0 && parsedLimit <= maxHarvestsLimit {
			limit = parsedLimit
		}
	}

	records, err := ws.history.RecentHarvests(r.Context(), limit)
	if err != nil {
		webLogger.Error().Err(err).Msg("Failed to get recent harvests")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve harvests")
		return
	}

	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"harvests": records,
		"count":    len(records),
		"limit":    limit,
	})
}

func (ws *WebServer) handleGetPendingTransfers(w http.ResponseWriter, r *http.Request) {
	if ws.transfers == nil {
		ws.writeErrorResponse(w, http.StatusServiceUnavailable, "Transfer outbox is not available")
		return
	}
	pending, err := ws.transfers.Pending(r.Context())
	if err != nil {
		webLogger.Error().Err(err).Msg("Failed to list pending transfers")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve pending transfers")
		return
	}
	ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"transfers": pending,
		"count":     len(pending),
	})
}

// handleMarkTransferExecuted is called by the executor once a queued transfer landed on chain.
func (ws *WebServer) handleMarkTransferExecuted(w http.ResponseWriter, r *http.Request) {
	if ws.transfers == nil {
		ws.writeErrorResponse(w, http.StatusServiceUnavailable, "Transfer outbox is not available")
		return
	}
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		ws.writeErrorResponse(w, http.StatusBadRequest, "Invalid transfer id")
		return
	}
	err = ws.transfers.MarkExecuted(r.Context(), id.String())
	switch {
	case errors.Is(err, state.ErrTransferNotPending):
		ws.writeErrorResponse(w, http.StatusNotFound, err.Error())
	case err != nil:
		webLogger.Error().Err(err).Str("transfer_id", id.String()).Msg("Failed to mark transfer executed")
		ws.writeErrorResponse(w, http.StatusInternalServerError, "Failed to mark transfer executed")
	default:
		ws.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
			"id":     id.String(),
			"status": state.StatusExecuted,
		})
	}
}

func (ws *WebServer) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		ws.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return false
	}
	return true
}

func (ws *WebServer) amount(w http.ResponseWriter, field, raw string) (math.Int, bool) {
	amount, err := utils.ParseAmount(raw)
	if err != nil {
		ws.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid %s: %v", field, err))
		return math.Int{}, false
	}
	return amount, true
}

func parseAddress(raw string) (common.Address, bool) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}
