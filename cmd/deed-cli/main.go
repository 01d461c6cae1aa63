package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"deedvault/crypto"
)

var rpcEndpoint = defaultRPCEndpoint() // Defaults to localhost, can be overridden via RPC_URL or --rpc flag
var rpcAuthToken = os.Getenv("DEED_RPC_TOKEN")

func main() {
	args := os.Args[1:]
	var err error
	args, err = applyGlobalFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if len(args) < 1 {
		printUsage()
		return
	}

	command := args[0]
	switch command {
	case "generate-key":
		generateKey()
	case "parties":
		runQuery("escrow_getParties")
	case "balance":
		if len(args) < 2 {
			fmt.Println("Error: Please provide an address.")
			printUsage()
			return
		}
		runQuery("deed_getBalance", args[1])
	case "escrow-balance":
		runQuery("escrow_getBalance")
	case "events":
		runQuery("deed_listEvents")
	case "show":
		if len(args) < 2 {
			fmt.Println("Error: Please provide a token id.")
			printUsage()
			return
		}
		tokenID := mustTokenID(args[1])
		runQuery("escrow_getListing", map[string]interface{}{"tokenId": tokenID})
	case "owner":
		if len(args) < 2 {
			fmt.Println("Error: Please provide a token id.")
			printUsage()
			return
		}
		tokenID := mustTokenID(args[1])
		runQuery("registry_ownerOf", map[string]interface{}{"tokenId": tokenID})
	case "mint":
		if len(args) < 3 {
			fmt.Println("Error: Please provide a caller address and a metadata URI.")
			printUsage()
			return
		}
		runQuery("registry_mint", map[string]interface{}{"caller": args[1], "uri": args[2]})
	case "approve":
		if len(args) < 4 {
			fmt.Println("Error: Please provide caller, operator and token id.")
			printUsage()
			return
		}
		runQuery("registry_approve", map[string]interface{}{
			"caller":   args[1],
			"operator": args[2],
			"tokenId":  mustTokenID(args[3]),
		})
	case "list":
		if len(args) < 6 {
			fmt.Println("Error: Please provide caller, token id, buyer, price and escrow amount.")
			printUsage()
			return
		}
		runQuery("escrow_list", map[string]interface{}{
			"caller":       args[1],
			"tokenId":      mustTokenID(args[2]),
			"buyer":        args[3],
			"price":        args[4],
			"escrowAmount": args[5],
		})
	case "deposit":
		if len(args) < 4 {
			fmt.Println("Error: Please provide caller, token id and amount.")
			printUsage()
			return
		}
		runQuery("escrow_depositEarnest", map[string]interface{}{
			"caller":  args[1],
			"tokenId": mustTokenID(args[2]),
			"amount":  args[3],
		})
	case "inspect":
		if len(args) < 4 {
			fmt.Println("Error: Please provide caller, token id and pass/fail.")
			printUsage()
			return
		}
		passed, err := strconv.ParseBool(args[3])
		if err != nil {
			fmt.Println("Error: Inspection outcome must be true or false.")
			return
		}
		runQuery("escrow_updateInspection", map[string]interface{}{
			"caller":  args[1],
			"tokenId": mustTokenID(args[2]),
			"passed":  passed,
		})
	case "approve-sale":
		if len(args) < 3 {
			fmt.Println("Error: Please provide caller and token id.")
			printUsage()
			return
		}
		runQuery("escrow_approveSale", map[string]interface{}{
			"caller":  args[1],
			"tokenId": mustTokenID(args[2]),
		})
	case "finalize":
		if len(args) < 3 {
			fmt.Println("Error: Please provide caller and token id.")
			printUsage()
			return
		}
		runQuery("escrow_finalizeSale", map[string]interface{}{
			"caller":  args[1],
			"tokenId": mustTokenID(args[2]),
		})
	case "send":
		if len(args) < 3 {
			fmt.Println("Error: Please provide a sender address and an amount.")
			printUsage()
			return
		}
		runQuery("escrow_sendFunds", map[string]interface{}{"from": args[1], "amount": args[2]})
	case "seed":
		if len(args) < 3 {
			fmt.Println("Error: Please provide the seller and buyer addresses.")
			printUsage()
			return
		}
		seed(args[1], args[2])
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
	}
}

func generateKey() {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		fmt.Printf("Error generating key: %v\n", err)
		return
	}
	fmt.Printf("Address: %s\n", key.PubKey().Address().String())
	fmt.Printf("Private key (hex): %x\n", key.Bytes())
}

// seed mints three demo properties to the seller, approves custody and lists
// them at staged prices, giving a fresh network something to settle.
func seed(sellerAddr, buyerAddr string) {
	parties, err := sendRPCRequest("escrow_getParties")
	if err != nil {
		fmt.Printf("Error fetching parties: %v\n", err)
		return
	}
	var info struct {
		Vault string `json:"vault"`
	}
	if err := json.Unmarshal(parties, &info); err != nil {
		fmt.Printf("Error decoding parties: %v\n", err)
		return
	}

	listings := []struct {
		price   string
		earnest string
	}{
		{"20", "10"},
		{"15", "5"},
		{"10", "5"},
	}
	for i, entry := range listings {
		tokenID := uint64(i + 1)
		uri := fmt.Sprintf("https://ipfs.io/ipfs/QmQVcpsjrA6cr1iJjZAodYwmPekYgbnXGo4DFubJiLc2EB/%d.json", tokenID)
		if _, err := sendRPCRequest("registry_mint", map[string]interface{}{"caller": sellerAddr, "uri": uri}); err != nil {
			fmt.Printf("Error minting property %d: %v\n", tokenID, err)
			return
		}
		if _, err := sendRPCRequest("registry_approve", map[string]interface{}{
			"caller":   sellerAddr,
			"operator": info.Vault,
			"tokenId":  tokenID,
		}); err != nil {
			fmt.Printf("Error approving custody for property %d: %v\n", tokenID, err)
			return
		}
		if _, err := sendRPCRequest("escrow_list", map[string]interface{}{
			"caller":       sellerAddr,
			"tokenId":      tokenID,
			"buyer":        buyerAddr,
			"price":        entry.price,
			"escrowAmount": entry.earnest,
		}); err != nil {
			fmt.Printf("Error listing property %d: %v\n", tokenID, err)
			return
		}
		fmt.Printf("Listed property %d at price %s (earnest %s).\n", tokenID, entry.price, entry.earnest)
	}
	fmt.Println("Seeded 3 properties.")
}

func runQuery(method string, params ...interface{}) {
	result, err := sendRPCRequest(method, params...)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, result, "", "  "); err != nil {
		fmt.Println(string(result))
		return
	}
	fmt.Println(pretty.String())
}

func sendRPCRequest(method string, params ...interface{}) (json.RawMessage, error) {
	rawParams := make([]json.RawMessage, 0, len(params))
	for _, p := range params {
		encoded, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		rawParams = append(rawParams, encoded)
	}
	payload, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  rawParams,
		"id":      1,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, rpcEndpoint, bytes.NewBuffer(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(rpcAuthToken) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(rpcAuthToken))
	}

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var decoded struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int         `json:"code"`
			Message string      `json:"message"`
			Data    interface{} `json:"data"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("invalid RPC response: %w", err)
	}
	if decoded.Error != nil {
		if decoded.Error.Data != nil {
			return nil, fmt.Errorf("%s: %v", decoded.Error.Message, decoded.Error.Data)
		}
		return nil, fmt.Errorf("%s", decoded.Error.Message)
	}
	return decoded.Result, nil
}

func mustTokenID(raw string) uint64 {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		fmt.Printf("Error: Invalid token id %q.\n", raw)
		os.Exit(1)
	}
	return id
}

func defaultRPCEndpoint() string {
	if v := strings.TrimSpace(os.Getenv("RPC_URL")); v != "" {
		return v
	}
	return "http://localhost:8080"
}

func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--rpc" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for --rpc")
			}
			rpcEndpoint = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--rpc=") {
			rpcEndpoint = strings.TrimPrefix(arg, "--rpc=")
			continue
		}
		out = append(out, arg)
	}
	return out, nil
}

func printUsage() {
	fmt.Println("Usage: deed-cli [--rpc <url>] <command> [args]")
	fmt.Println("Commands:")
	fmt.Println("  generate-key                                    Generate a new keypair")
	fmt.Println("  parties                                         Show the configured parties and vault")
	fmt.Println("  balance <address>                               Show an account balance")
	fmt.Println("  escrow-balance                                  Show the pooled custody balance")
	fmt.Println("  mint <caller> <uri>                             Mint a property token")
	fmt.Println("  approve <caller> <operator> <tokenId>           Approve a token operator")
	fmt.Println("  list <caller> <tokenId> <buyer> <price> <escrow>  List a property for sale")
	fmt.Println("  deposit <caller> <tokenId> <amount>             Deposit earnest money")
	fmt.Println("  inspect <caller> <tokenId> <true|false>         Record the inspection outcome")
	fmt.Println("  approve-sale <caller> <tokenId>                 Approve the sale")
	fmt.Println("  finalize <caller> <tokenId>                     Finalize the sale")
	fmt.Println("  send <from> <amount>                            Send funds to the custody vault")
	fmt.Println("  show <tokenId>                                  Show a listing")
	fmt.Println("  owner <tokenId>                                 Show a token owner")
	fmt.Println("  events                                          Show recent events")
	fmt.Println("  seed <seller> <buyer>                           Mint and list three demo properties")
}
