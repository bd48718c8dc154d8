// Package sigma evaluates consumed audit events against Sigma rules and
// records matches. Rules live in a watched directory and reload on change.
package sigma

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/bradleyjkemp/sigma-go"
	"github.com/bradleyjkemp/sigma-go/evaluator"
	"github.com/fsnotify/fsnotify"
)

// Detector manages Sigma rules and detection
type Detector struct {
	RulesDir   string
	db         *sql.DB
	evaluators map[string]*evaluator.RuleEvaluator
	reloadChan chan bool
	watcher    *fsnotify.Watcher
}

// MatchResult represents the result of a rule evaluation
type MatchResult struct {
	Match        bool
	Rule         sigma.Rule
	MatchDetails []string
}

// createConfig maps the rule field names onto our event map keys
func createConfig() sigma.Config {
	return sigma.Config{
		Title: "FIM Recorder Config",
		FieldMappings: map[string]sigma.FieldMapping{
			"TargetFilename": {TargetNames: []string{"TargetFilename"}},
			"SourceFilename": {TargetNames: []string{"SourceFilename"}},
			"Image":          {TargetNames: []string{"Image"}},
			"User":           {TargetNames: []string{"Username"}},
			"ProcessId":      {TargetNames: []string{"ProcessId"}},
		},
	}
}

// NewDetector creates a detector over rulesDir, watching it for changes.
// db may be nil when match persistence is not wanted.
func NewDetector(rulesDir string, db *sql.DB) (*Detector, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %v", err)
	}

	detector := &Detector{
		RulesDir:   rulesDir,
		db:         db,
		evaluators: make(map[string]*evaluator.RuleEvaluator),
		reloadChan: make(chan bool, 1),
		watcher:    watcher,
	}

	if err := os.MkdirAll(rulesDir, 0755); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to create rules directory: %v", err)
	}

	if err := detector.setupWatcher(); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to set up file watcher: %v", err)
	}

	if err := detector.LoadRules(); err != nil {
		return nil, fmt.Errorf("failed to load rules: %v", err)
	}

	return detector, nil
}

func (sd *Detector) setupWatcher() error {
	if err := sd.watcher.Add(sd.RulesDir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %v", sd.RulesDir, err)
	}

	go sd.watchFileChanges()
	go sd.reloadLoop()

	return nil
}

func (sd *Detector) watchFileChanges() {
	for {
		select {
		case event, ok := <-sd.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".yml") && !strings.HasSuffix(event.Name, ".yaml") {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				log.Printf("Detected rule change: %s", event.Name)
				sd.ReloadRules()
			}
		case err, ok := <-sd.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("File watcher error: %v", err)
		}
	}
}

func (sd *Detector) reloadLoop() {
	for range sd.reloadChan {
		if err := sd.LoadRules(); err != nil {
			log.Printf("Rule reload failed: %v", err)
		}
	}
}

// ReloadRules schedules a rule reload; pending signals are coalesced
func (sd *Detector) ReloadRules() {
	select {
	case sd.reloadChan <- true:
	default:
	}
}

// LoadRules loads all Sigma rules from the rules directory
func (sd *Detector) LoadRules() error {
	evaluators := make(map[string]*evaluator.RuleEvaluator)

	files, err := os.ReadDir(sd.RulesDir)
	if err != nil {
		return err
	}

	count := 0
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		ext := filepath.Ext(file.Name())
		if ext != ".yml" && ext != ".yaml" {
			continue
		}
		filePath := filepath.Join(sd.RulesDir, file.Name())
		rule, ruleEvaluator, err := loadRuleFile(filePath)
		if err != nil {
			log.Printf("Warning: failed to load rule file %s: %v", filePath, err)
			continue
		}
		evaluators[rule.ID] = ruleEvaluator
		count++
	}

	sd.evaluators = evaluators
	log.Printf("Loaded %d Sigma rules from %s", count, sd.RulesDir)
	return nil
}

func loadRuleFile(filePath string) (sigma.Rule, *evaluator.RuleEvaluator, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return sigma.Rule{}, nil, err
	}

	if sigma.InferFileType(content) != sigma.RuleFile {
		return sigma.Rule{}, nil, fmt.Errorf("file is not a Sigma rule: %s", filePath)
	}

	rule, err := sigma.ParseRule(content)
	if err != nil {
		return sigma.Rule{}, nil, err
	}

	ruleEvaluator := evaluator.ForRule(rule,
		evaluator.WithConfig(createConfig()),
		evaluator.WithPlaceholderExpander(func(ctx context.Context, placeholderName string) ([]string, error) {
			return nil, nil
		}),
		evaluator.CountImplementation(func(ctx context.Context, key evaluator.GroupedByValues) (float64, error) {
			return 0, nil
		}),
		evaluator.SumImplementation(func(ctx context.Context, key evaluator.GroupedByValues, value float64) (float64, error) {
			return 0, nil
		}),
		evaluator.AverageImplementation(func(ctx context.Context, key evaluator.GroupedByValues, value float64) (float64, error) {
			return 0, nil
		}))

	return rule, ruleEvaluator, nil
}

// RuleCount returns the number of loaded rules
func (sd *Detector) RuleCount() int {
	return len(sd.evaluators)
}

// CheckEvent checks if an event matches any Sigma rules
func (sd *Detector) CheckEvent(ctx context.Context, event map[string]interface{}, eventType string) []MatchResult {
	var results []MatchResult

	for _, ruleEvaluator := range sd.evaluators {
		result, err := ruleEvaluator.Matches(ctx, event)
		if err != nil {
			log.Printf("Error evaluating event of type [%s]: %v", eventType, err)
			continue
		}

		if result.Match {
			var matchConditions []string
			for k, v := range result.SearchResults {
				if v {
					matchConditions = append(matchConditions, k)
				}
			}

			results = append(results, MatchResult{
				Match: true,
				Rule:  ruleEvaluator.Rule,
				MatchDetails: []string{
					fmt.Sprintf("Matched conditions: %s", strings.Join(matchConditions, ", ")),
				},
			})
			log.Printf("Event matched rule %s with conditions %s", ruleEvaluator.Rule.ID, strings.Join(matchConditions, ", "))
		}
	}

	return results
}

// StoreMatch stores a rule match in the database
func (sd *Detector) StoreMatch(match MatchResult, event map[string]interface{}, eventType string, eventID int64) error {
	if sd.db == nil {
		return nil
	}

	eventDataJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %v", err)
	}

	var processID int64
	var processName, username, targetPath string
	if id, ok := event["ProcessId"].(int64); ok {
		processID = id
	}
	if name, ok := event["Image"].(string); ok {
		processName = name
	}
	if u, ok := event["Username"].(string); ok {
		username = u
	}
	if p, ok := event["TargetFilename"].(string); ok {
		targetPath = p
	}

	matchDetailsJSON, _ := json.Marshal(match.MatchDetails)

	severity := match.Rule.Level
	if severity == "" {
		severity = "medium"
	}

	query := `
	INSERT INTO sigma_matches (
		event_id, event_type, rule_id, rule_name, severity,
		process_id, process_name, username, target_path,
		match_details, event_data, timestamp
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, datetime('now'))`

	_, err = sd.db.Exec(query,
		eventID, eventType, match.Rule.ID, match.Rule.Title, severity,
		processID, processName, username, targetPath,
		string(matchDetailsJSON), string(eventDataJSON))
	if err != nil {
		return fmt.Errorf("failed to store match: %v", err)
	}
	return nil
}

// Close stops the watcher
func (sd *Detector) Close() error {
	close(sd.reloadChan)
	return sd.watcher.Close()
}
