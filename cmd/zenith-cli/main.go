// zenith is the operator CLI. It talks to a running API server; nothing
// here touches the database directly.
package main

import (
	"bytes"
	"encoding/base64"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const version = "1.2.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	apiURL := os.Getenv("ZENITH_API_URL")
	if apiURL == "" {
		apiURL = "http://localhost:8080"
	}
	token := os.Getenv("ZENITH_API_TOKEN")

	switch os.Args[1] {
	case "projects":
		cmdProjects(apiURL, token)
	case "ingest":
		cmdIngest(apiURL, token)
	case "job":
		cmdJob(apiURL, token)
	case "reconcile":
		cmdReconcile(apiURL, token)
	case "alerts":
		cmdAlerts(apiURL, token)
	case "verify":
		cmdVerify(apiURL, token)
	case "seal":
		cmdSeal(apiURL, token)
	case "version":
		fmt.Printf("zenith v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Zenith Forensics CLI v` + version + `

Usage: zenith <command> [flags]

Commands:
  projects    List engagements
  ingest      Upload a CSV ledger or bank statement as a batch job
  job         Inspect or cancel a batch job
  reconcile   Run reconciliation for a project
  alerts      List alerts for a project
  verify      Verify a project's evidence chain
  seal        Seal a case with its final report
  version     Print version
  help        Show this help

Environment:
  ZENITH_API_URL     API base URL (default: http://localhost:8080)
  ZENITH_API_TOKEN   Bearer token

Examples:
  zenith ingest <project-id> --file ledger.csv --kind ledger \
      --map amount=Jumlah --map receiver=Penerima --map date=Tanggal
  zenith job status <job-id>
  zenith reconcile <project-id> --auto-confirm
  zenith seal <case-id> --report dossier.pdf`)
}

// ----------------------------------------------------------------
// projects
// ----------------------------------------------------------------

func cmdProjects(apiURL, token string) {
	resp, err := doRequest("GET", apiURL+"/api/projects", nil, token)
	if err != nil {
		die("Request failed: %v", err)
	}

	var projects []map[string]interface{}
	json.Unmarshal(resp, &projects)
	if len(projects) == 0 {
		fmt.Println("No projects.")
		return
	}

	fmt.Printf("%-38s %-12s %-12s %s\n", "ID", "CODE", "STATUS", "NAME")
	fmt.Println(strings.Repeat("-", 90))
	for _, p := range projects {
		fmt.Printf("%-38s %-12s %-12s %s\n", p["id"], p["code"], p["status"], p["name"])
	}
}

// ----------------------------------------------------------------
// ingest
// ----------------------------------------------------------------

func cmdIngest(apiURL, token string) {
	if len(os.Args) < 3 {
		die("Usage: zenith ingest <project-id> --file <csv> [--kind ledger|bank] [--map field=Column ...]")
	}
	projectID := os.Args[2]

	var file, kind string
	kind = "ledger"
	mappings := []map[string]interface{}{}

	args := os.Args[3:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--file", "-f":
			i++
			if i < len(args) {
				file = args[i]
			}
		case "--kind", "-k":
			i++
			if i < len(args) {
				kind = args[i]
			}
		case "--map", "-m":
			i++
			if i < len(args) {
				field, column, ok := strings.Cut(args[i], "=")
				if !ok {
					die("Bad --map %q, expected field=Column", args[i])
				}
				mappings = append(mappings, map[string]interface{}{
					"system_field": field,
					"file_column":  column,
				})
			}
		}
	}
	if file == "" {
		die("--file is required")
	}
	if len(mappings) == 0 {
		die("At least one --map field=Column is required")
	}

	rows, err := readCSV(file)
	if err != nil {
		die("Failed to read %s: %v", file, err)
	}

	body, _ := json.Marshal(map[string]interface{}{
		"source":   file,
		"mappings": mappings,
		"rows":     rows,
	})
	resp, err := doRequest("POST", fmt.Sprintf("%s/api/ingest/%s/%s", apiURL, projectID, kind), body, token)
	if err != nil {
		die("Request failed: %v", err)
	}

	var result map[string]interface{}
	json.Unmarshal(resp, &result)
	fmt.Printf("📦 Submitted %d row(s) as job %s\n", len(rows), result["job_id"])
}

// readCSV loads a headered CSV into row maps, the shape the ingest
// endpoint expects.
func readCSV(path string) ([]map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	var rows []map[string]string
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = record[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// ----------------------------------------------------------------
// job
// ----------------------------------------------------------------

func cmdJob(apiURL, token string) {
	if len(os.Args) < 4 {
		die("Usage: zenith job <status|cancel> <job-id>")
	}
	jobID := os.Args[3]

	switch os.Args[2] {
	case "status":
		resp, err := doRequest("GET", apiURL+"/api/batch-jobs/"+jobID, nil, token)
		if err != nil {
			die("Request failed: %v", err)
		}
		var job map[string]interface{}
		json.Unmarshal(resp, &job)
		fmt.Printf("Job:        %s\nStatus:     %s\nProcessed:  %.0f\nFailed:     %.0f\nBatches:    %.0f/%.0f\n",
			job["id"], job["status"],
			toFloat(job["items_processed"]), toFloat(job["items_failed"]),
			toFloat(job["batches_completed"]), toFloat(job["total_batches"]))

	case "cancel":
		_, err := doRequest("POST", apiURL+"/api/batch-jobs/"+jobID+"/cancel", nil, token)
		if err != nil {
			die("Failed: %v", err)
		}
		fmt.Printf("🛑 Cancelled job %s\n", jobID)

	default:
		die("Usage: zenith job <status|cancel> <job-id>")
	}
}

// ----------------------------------------------------------------
// reconcile
// ----------------------------------------------------------------

func cmdReconcile(apiURL, token string) {
	if len(os.Args) < 3 {
		die("Usage: zenith reconcile <project-id> [--auto-confirm]")
	}
	projectID := os.Args[2]

	resp, err := doRequest("POST", apiURL+"/api/reconcile/"+projectID+"/run", nil, token)
	if err != nil {
		die("Request failed: %v", err)
	}
	var run map[string]interface{}
	json.Unmarshal(resp, &run)
	fmt.Printf("🔄 Evaluated %.0f pair(s), %.0f suggested\n",
		toFloat(run["evaluated"]), toFloat(run["suggested"]))

	for _, a := range os.Args[3:] {
		if a == "--auto-confirm" {
			resp, err := doRequest("POST", apiURL+"/api/reconcile/"+projectID+"/auto-confirm", nil, token)
			if err != nil {
				die("Auto-confirm failed: %v", err)
			}
			var ac map[string]interface{}
			json.Unmarshal(resp, &ac)
			fmt.Printf("✅ Confirmed %.0f, review %.0f, investigate %.0f\n",
				toFloat(ac["confirmed"]), toFloat(ac["review"]), toFloat(ac["investigate"]))
		}
	}
}

// ----------------------------------------------------------------
// alerts
// ----------------------------------------------------------------

func cmdAlerts(apiURL, token string) {
	if len(os.Args) < 3 {
		die("Usage: zenith alerts <project-id> [--severity CRITICAL]")
	}
	projectID := os.Args[2]

	url := apiURL + "/api/alerts/" + projectID
	args := os.Args[3:]
	for i := 0; i < len(args); i++ {
		if args[i] == "--severity" {
			i++
			if i < len(args) {
				url += "?severity=" + args[i]
			}
		}
	}

	resp, err := doRequest("GET", url, nil, token)
	if err != nil {
		die("Request failed: %v", err)
	}
	var alerts []map[string]interface{}
	json.Unmarshal(resp, &alerts)
	if len(alerts) == 0 {
		fmt.Println("No alerts.")
		return
	}

	fmt.Printf("%-10s %-25s %s\n", "SEVERITY", "TYPE", "MESSAGE")
	fmt.Println(strings.Repeat("-", 80))
	for _, a := range alerts {
		fmt.Printf("%-10s %-25s %s\n", a["severity"], a["alert_type"], a["message"])
	}
}

// ----------------------------------------------------------------
// verify / seal
// ----------------------------------------------------------------

func cmdVerify(apiURL, token string) {
	if len(os.Args) < 3 {
		die("Usage: zenith verify <project-id>")
	}
	projectID := os.Args[2]

	resp, err := doRequest("GET", apiURL+"/api/integrity/"+projectID+"/verify", nil, token)
	if err != nil {
		die("Request failed: %v", err)
	}
	var result map[string]interface{}
	json.Unmarshal(resp, &result)

	if intact, _ := result["intact"].(bool); intact {
		fmt.Println("✅ Evidence chain intact")
		return
	}
	fmt.Printf("❌ Evidence chain BROKEN at entry %.0f\n", toFloat(result["failed_index"]))
	os.Exit(1)
}

func cmdSeal(apiURL, token string) {
	if len(os.Args) < 3 {
		die("Usage: zenith seal <case-id> --report <file>")
	}
	caseID := os.Args[2]

	var reportPath string
	args := os.Args[3:]
	for i := 0; i < len(args); i++ {
		if args[i] == "--report" || args[i] == "-r" {
			i++
			if i < len(args) {
				reportPath = args[i]
			}
		}
	}
	if reportPath == "" {
		die("--report is required")
	}

	report, err := os.ReadFile(reportPath)
	if err != nil {
		die("Failed to read %s: %v", reportPath, err)
	}

	body, _ := json.Marshal(map[string]string{
		"report_b64": base64.StdEncoding.EncodeToString(report),
	})
	resp, err := doRequest("POST", apiURL+"/api/cases/"+caseID+"/seal", body, token)
	if err != nil {
		die("Seal failed: %v", err)
	}

	var result struct {
		RegistryEntry map[string]interface{} `json:"registry_entry"`
	}
	json.Unmarshal(resp, &result)
	fmt.Printf("🔒 Case sealed, dossier hash %s\n", result.RegistryEntry["file_hash"])
}

// ----------------------------------------------------------------
// helpers
// ----------------------------------------------------------------

func doRequest(method, url string, body []byte, token string) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		json.Unmarshal(data, &apiErr)
		if apiErr.Error != "" {
			return nil, fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return nil, fmt.Errorf("%s", resp.Status)
	}
	return data, nil
}

func die(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func toFloat(v interface{}) float64 {
	switch f := v.(type) {
	case float64:
		return f
	case int:
		return float64(f)
	default:
		return 0
	}
}
