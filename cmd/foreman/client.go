package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/foreman/internal/model"
)

var (
	// httpClient serves one-shot API calls.
	httpClient = &http.Client{Timeout: 30 * time.Second}
	// streamClient has no timeout; it serves long-lived log follows.
	streamClient = &http.Client{}
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue [prompt...]",
	Short: "Queue a prompt for execution",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runEnqueue,
}

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a job's current state",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List recent jobs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runJobs,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a running job",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

var logsCmd = &cobra.Command{
	Use:   "logs <job-id>",
	Short: "Print a job's log, or follow it live",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogs,
}

func init() {
	enqueueCmd.Flags().String("chat", "", "chat context the job belongs to")
	enqueueCmd.Flags().String("provider", "", "provider to run the job (defaults to the server's default)")
	enqueueCmd.MarkFlagRequired("chat")

	jobsCmd.Flags().String("chat", "", "only list jobs for this chat context")
	jobsCmd.Flags().Int("limit", 20, "maximum number of jobs to list")

	cancelCmd.Flags().String("chat", "", "chat context the job belongs to")
	cancelCmd.MarkFlagRequired("chat")

	logsCmd.Flags().Bool("follow", false, "stream new output as it is produced")

	rootCmd.AddCommand(enqueueCmd, statusCmd, jobsCmd, cancelCmd, logsCmd)
}

func serverURL(cmd *cobra.Command) (string, error) {
	base, err := cmd.Flags().GetString("server")
	if err != nil {
		return "", err
	}
	return strings.TrimRight(base, "/"), nil
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	base, err := serverURL(cmd)
	if err != nil {
		return err
	}
	chat, _ := cmd.Flags().GetString("chat")
	providerName, _ := cmd.Flags().GetString("provider")

	payload, err := json.Marshal(map[string]string{
		"chat_context_id": chat,
		"prompt":          strings.Join(args, " "),
		"provider":        providerName,
	})
	if err != nil {
		return err
	}

	var job model.Job
	if err := postJSON(base+"/v1/jobs", payload, &job); err != nil {
		return err
	}

	fmt.Printf("queued %s (provider %s)\nworkdir %s\n", job.ID, job.Provider, job.Workdir)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	base, err := serverURL(cmd)
	if err != nil {
		return err
	}

	var job model.Job
	if err := getJSON(base+"/v1/jobs/"+url.PathEscape(args[0]), &job); err != nil {
		return err
	}

	printJob(&job)
	return nil
}

func runJobs(cmd *cobra.Command, _ []string) error {
	base, err := serverURL(cmd)
	if err != nil {
		return err
	}
	chat, _ := cmd.Flags().GetString("chat")
	limit, _ := cmd.Flags().GetInt("limit")

	q := url.Values{}
	if chat != "" {
		q.Set("chat_context_id", chat)
	}
	q.Set("limit", strconv.Itoa(limit))

	var list struct {
		Jobs  []*model.Job `json:"jobs"`
		Total int          `json:"total"`
	}
	if err := getJSON(base+"/v1/jobs?"+q.Encode(), &list); err != nil {
		return err
	}

	for _, j := range list.Jobs {
		fmt.Printf("%s  %-9s  %-8s  %s\n", j.ID, j.Status, j.Provider, firstLine(j.Prompt))
	}
	if len(list.Jobs) < list.Total {
		fmt.Printf("(%d of %d jobs)\n", len(list.Jobs), list.Total)
	}
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	base, err := serverURL(cmd)
	if err != nil {
		return err
	}
	chat, _ := cmd.Flags().GetString("chat")

	req, err := http.NewRequest(http.MethodDelete,
		base+"/v1/jobs/"+url.PathEscape(args[0])+"?chat_context_id="+url.QueryEscape(chat), nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var outcome struct {
		OK     bool   `json:"ok"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&outcome); err != nil {
		return fmt.Errorf("server: HTTP %d", resp.StatusCode)
	}
	if !outcome.OK {
		return fmt.Errorf("cancel refused: %s", outcome.Reason)
	}

	fmt.Printf("canceled %s\n", args[0])
	return nil
}

func runLogs(cmd *cobra.Command, args []string) error {
	base, err := serverURL(cmd)
	if err != nil {
		return err
	}
	follow, _ := cmd.Flags().GetBool("follow")

	if !follow {
		resp, err := httpClient.Get(base + "/v1/jobs/" + url.PathEscape(args[0]) + "/logs/history")
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return apiError(resp)
		}
		_, err = io.Copy(os.Stdout, resp.Body)
		return err
	}

	resp, err := streamClient.Get(base + "/v1/jobs/" + url.PathEscape(args[0]) + "/logs")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	// Print SSE data lines until the server signals the end of the stream.
	scanner := bufio.NewScanner(resp.Body)
	done := false
	for scanner.Scan() {
		line := scanner.Text()
		if ev, ok := strings.CutPrefix(line, "event: "); ok {
			done = ev == "done"
			continue
		}
		if data, ok := strings.CutPrefix(line, "data: "); ok && !done {
			fmt.Println(data)
		}
	}
	return scanner.Err()
}

func printJob(j *model.Job) {
	fmt.Printf("%s  %s  (provider %s)\n", j.ID, j.Status, j.Provider)
	fmt.Printf("  chat:    %s\n", j.ChatContextID)
	fmt.Printf("  workdir: %s\n", j.Workdir)
	fmt.Printf("  prompt:  %s\n", firstLine(j.Prompt))
	if j.ExitInfo != nil {
		if j.ExitInfo.Signal != "" {
			fmt.Printf("  exit:    %d (%s)\n", j.ExitInfo.Code, j.ExitInfo.Signal)
		} else {
			fmt.Printf("  exit:    %d\n", j.ExitInfo.Code)
		}
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}

func postJSON(rawURL string, body []byte, out any) error {
	resp, err := httpClient.Post(rawURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func getJSON(rawURL string, out any) error {
	resp, err := httpClient.Get(rawURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// apiError turns an error response into a readable error, preferring the
// server's own message when the body carries one.
func apiError(resp *http.Response) error {
	var body struct {
		Error  string `json:"error"`
		Reason string `json:"reason"`
	}
	if json.NewDecoder(resp.Body).Decode(&body) == nil {
		if body.Error != "" {
			return fmt.Errorf("server: %s", body.Error)
		}
		if body.Reason != "" {
			return fmt.Errorf("server: %s", body.Reason)
		}
	}
	return fmt.Errorf("server: HTTP %d", resp.StatusCode)
}
