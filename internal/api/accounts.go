package api

import (
	"encoding/json"
	"math/big"
	"net/http"

	"ContractRelay/internal/account"
	xerrors "ContractRelay/internal/errors"
)

// RegisterAccountRequest 描述注册账户的请求体。
type RegisterAccountRequest struct {
	Name       string `json:"name"`
	Address    string `json:"address"`
	PrivateKey string `json:"private_key,omitempty"`
	ChainID    int64  `json:"chain_id,omitempty"`
	Chain      string `json:"chain,omitempty"`
}

// AccountView 是账户的对外表示，不包含私钥。
type AccountView struct {
	Name      string   `json:"name"`
	Address   string   `json:"address"`
	Chain     string   `json:"chain,omitempty"`
	ChainID   string   `json:"chain_id,omitempty"`
	CanSign   bool     `json:"can_sign"`
	Contracts []string `json:"contracts"`
}

func accountView(session *account.Session) AccountView {
	view := AccountView{
		Name:      session.Name(),
		Address:   session.Address().Hex(),
		Chain:     session.Chain(),
		CanSign:   session.CanSign(),
		Contracts: session.Contracts(),
	}
	if id := session.ChainID(); id != nil {
		view.ChainID = id.String()
	}
	return view
}

func (s *Server) handleRegisterAccount(w http.ResponseWriter, r *http.Request) {
	var req RegisterAccountRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	reg := account.Registration{
		Name:       req.Name,
		Address:    req.Address,
		PrivateKey: req.PrivateKey,
		Chain:      req.Chain,
	}
	if req.ChainID > 0 {
		reg.ChainID = big.NewInt(req.ChainID)
	}
	address, err := s.directory.Register(r.Context(), reg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": req.Name, "address": address.Hex()})
}

func (s *Server) handleListAccounts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"accounts": s.directory.Names()})
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	session, ok := s.directory.Resolve(name)
	if !ok {
		s.writeError(w, r, xerrors.Newf(xerrors.CodeNotFound, "account %s not found", name))
		return
	}
	writeJSON(w, http.StatusOK, accountView(session))
}

// AddContractRequest 描述为账户注册合约的请求体。
type AddContractRequest struct {
	Account string          `json:"account,omitempty"`
	Name    string          `json:"name"`
	Address string          `json:"address"`
	ABI     json.RawMessage `json:"abi"`
}

// ContractView 是合约绑定的对外表示。
type ContractView struct {
	Name    string          `json:"name"`
	Address string          `json:"address"`
	ABI     json.RawMessage `json:"abi,omitempty"`
}

func (s *Server) handleAddContract(w http.ResponseWriter, r *http.Request) {
	var req AddContractRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	session, err := s.directory.ResolveOrDefault(req.Account)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	address, err := session.AddContract(req.ABI, req.Address, req.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ContractView{Name: req.Name, Address: address.Hex()})
}

func (s *Server) handleListContracts(w http.ResponseWriter, r *http.Request) {
	session, err := s.directory.ResolveOrDefault(r.URL.Query().Get("account"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account":   session.Name(),
		"contracts": session.Contracts(),
	})
}

func (s *Server) handleGetContract(w http.ResponseWriter, r *http.Request) {
	session, err := s.directory.ResolveOrDefault(r.URL.Query().Get("account"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	name := r.PathValue("name")
	binding, ok := session.Contract(name)
	if !ok {
		s.writeError(w, r, xerrors.Newf(account.CodeUnknownContract, "contract %s not found in account %s", name, session.Name()))
		return
	}
	writeJSON(w, http.StatusOK, ContractView{
		Name:    name,
		Address: binding.Address().Hex(),
		ABI:     binding.Descriptor(),
	})
}
