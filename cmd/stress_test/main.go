package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rl1809/flash-sale-settlement/internal/adapter/handler"
)

const (
	initialStock  = 20
	totalRequests = 50
)

func main() {
	baseURL := os.Getenv("TARGET_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	client := &http.Client{Timeout: 10 * time.Second}

	// Fresh product per run so earlier runs never skew the ledger.
	itemID := "flash-" + uuid.NewString()[:8]
	provision := handler.ProvisionHTTPRequest{
		Name:     "Flash sale item",
		Price:    decimal.RequireFromString("9.99"),
		Quantity: initialStock,
	}
	if status, err := post(client, baseURL+"/products/"+itemID+"/stock", "admin", provision); err != nil || status != http.StatusOK {
		log.Fatalf("failed to provision stock: status=%d err=%v", status, err)
	}

	var successCount, soldOutCount, otherCount atomic.Int32

	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func(userID int) {
			defer wg.Done()

			req := handler.ReservationHTTPRequest{
				Items: []handler.ItemHTTPRequest{{ProductID: itemID, Quantity: 1}},
			}
			status, err := post(client, baseURL+"/reservations", fmt.Sprintf("user-%d", userID), req)
			switch {
			case err != nil:
				otherCount.Add(1)
			case status == http.StatusCreated:
				successCount.Add(1)
			case status == http.StatusConflict:
				soldOutCount.Add(1)
			default:
				otherCount.Add(1)
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	success := successCount.Load()
	soldOut := soldOutCount.Load()

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Product:          %s\n", itemID)
	fmt.Printf("Initial Stock:    %d\n", initialStock)
	fmt.Printf("Total Requests:   %d\n", totalRequests)
	fmt.Printf("Reserved:         %d\n", success)
	fmt.Printf("Sold Out:         %d\n", soldOut)
	fmt.Printf("Other Errors:     %d\n", otherCount.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	if success == initialStock && soldOut == totalRequests-initialStock {
		fmt.Printf("PASS: Exactly %d reservations succeeded, %d sold out\n", initialStock, totalRequests-initialStock)
	} else {
		fmt.Printf("FAIL: Expected %d success/%d sold out, got %d/%d\n",
			initialStock, totalRequests-initialStock, success, soldOut)
	}

	product, err := getProduct(client, baseURL+"/products/"+itemID)
	if err != nil {
		log.Fatalf("failed to read ledger: %v", err)
	}
	fmt.Printf("Final Ledger:     available=%d reserved=%d sold=%d\n", product.Available, product.Reserved, product.Sold)

	if product.Available == 0 && product.Reserved == initialStock {
		fmt.Println("PASS: Stock fully reserved, nothing oversold")
	} else {
		fmt.Printf("FAIL: Expected available=0 reserved=%d\n", initialStock)
	}
}

func post(client *http.Client, url, userID string, body any) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", userID)

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func getProduct(client *http.Client, url string) (*handler.ProductHTTPResponse, error) {
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var p handler.ProductHTTPResponse
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, err
	}
	return &p, nil
}
