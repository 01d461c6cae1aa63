package rpc

import (
	"encoding/json"
	"errors"
	"net/http"

	"deedvault/native/registry"
)

const (
	codeRegistryInvalidParams = -32031
	codeRegistryNotFound      = -32032
	codeRegistryForbidden     = -32033
	codeRegistryInternal      = -32035
)

type registryMintParams struct {
	Caller string `json:"caller"`
	URI    string `json:"uri"`
}

type registryApproveParams struct {
	Caller   string `json:"caller"`
	Operator string `json:"operator"`
	TokenID  uint64 `json:"tokenId"`
}

type registryTokenParams struct {
	TokenID uint64 `json:"tokenId"`
}

type tokenJSON struct {
	TokenID uint64 `json:"tokenId"`
	Owner   string `json:"owner"`
	URI     string `json:"uri"`
}

func (s *Server) handleRegistryMint(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeRegistryInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params registryMintParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeRegistryInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeRegistryInvalidParams, "invalid_params", err.Error())
		return
	}
	token, err := s.node.RegistryMint(caller, params.URI)
	if err != nil {
		writeRegistryError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, tokenJSON{TokenID: token.ID, Owner: formatBech32Address(token.Owner), URI: token.URI})
}

func (s *Server) handleRegistryApprove(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeRegistryInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params registryApproveParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeRegistryInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeRegistryInvalidParams, "invalid_params", err.Error())
		return
	}
	operator, err := parseBech32Address(params.Operator)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeRegistryInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.node.RegistryApprove(caller, operator, params.TokenID); err != nil {
		writeRegistryError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleRegistryOwnerOf(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeRegistryInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params registryTokenParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeRegistryInvalidParams, "invalid_params", err.Error())
		return
	}
	owner, err := s.node.RegistryOwnerOf(params.TokenID)
	if err != nil {
		writeRegistryError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatBech32Address(owner))
}

func (s *Server) handleRegistryTokenURI(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeRegistryInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params registryTokenParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeRegistryInvalidParams, "invalid_params", err.Error())
		return
	}
	uri, err := s.node.RegistryTokenURI(params.TokenID)
	if err != nil {
		writeRegistryError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, uri)
}

func (s *Server) handleRegistryTotalSupply(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeRegistryInvalidParams, "invalid_params", "no parameters expected")
		return
	}
	supply, err := s.node.RegistryTotalSupply()
	if err != nil {
		writeRegistryError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, supply)
}

func writeRegistryError(w http.ResponseWriter, id interface{}, err error) {
	if err == nil {
		return
	}
	status := http.StatusInternalServerError
	code := codeRegistryInternal
	message := "internal_error"
	data := err.Error()
	switch {
	case errors.Is(err, registry.ErrTokenNotFound):
		status = http.StatusNotFound
		code = codeRegistryNotFound
		message = "not_found"
	case errors.Is(err, registry.ErrUnauthorized):
		status = http.StatusForbidden
		code = codeRegistryForbidden
		message = "forbidden"
	}
	writeError(w, status, id, code, message, data)
}
