package cmd

import (
	"fmt"

	"github.com/audiolibrelab/answercapture/internal/answer"
	"github.com/audiolibrelab/answercapture/internal/questions"

	"github.com/spf13/cobra"
)

var questionsCmd = &cobra.Command{
	Use:   "questions",
	Short: "List the question bank",
	Long: `List the questions of the configured bank for a job and difficulty.
Use --jobs to list the jobs the bank knows about.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		bank, err := questions.LoadOrDefault(cfg.Questions.BankFile)
		if err != nil {
			return fmt.Errorf("failed to load question bank: %w", err)
		}

		listJobs, _ := cmd.Flags().GetBool("jobs")
		if listJobs {
			for _, job := range bank.Jobs() {
				fmt.Println(job)
			}
			return nil
		}

		job, _ := cmd.Flags().GetString("job")
		if job == "" {
			job = cfg.Questions.Job
		}
		difficulty := cfg.Difficulty()
		if raw, _ := cmd.Flags().GetString("difficulty"); raw != "" {
			if difficulty, err = answer.ParseDifficulty(raw); err != nil {
				return err
			}
		}

		texts := bank.All(job, difficulty)
		fmt.Printf("%s / %s (%d questions)\n", job, difficulty, len(texts))
		for i, text := range texts {
			fmt.Printf("  %2d. %s\n", i+1, text)
		}
		return nil
	},
}

func init() {
	questionsCmd.Flags().Bool("jobs", false, "list the jobs of the bank")
	questionsCmd.Flags().String("job", "", "job to list questions for (overrides config)")
	questionsCmd.Flags().StringP("difficulty", "d", "", "difficulty tier: easy, medium or hard (overrides config)")
}
