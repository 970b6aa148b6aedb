package cli

import (
	"context"
	"fmt"

	"flowpilot/internal/config"
	"flowpilot/internal/models"
	"flowpilot/internal/services"

	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// killswitchCmd flips or inspects the global kill switch directly in the
// database, for when the API itself is the thing misbehaving.
var killswitchCmd = &cobra.Command{
	Use:       "killswitch [on|off|status]",
	Short:     "Inspect or flip the global automation kill switch",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off", "status"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
			cfg.Database.Host, cfg.Database.User, cfg.Database.Password, cfg.Database.Name, cfg.Database.Port)
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		if err := db.AutoMigrate(&models.SafetyFlag{}); err != nil {
			return fmt.Errorf("migrate safety flags: %w", err)
		}

		state, err := services.NewGormSafetyState(db)
		if err != nil {
			return fmt.Errorf("load safety state: %w", err)
		}

		switch args[0] {
		case "status":
			fmt.Printf("kill switch: %v\n", state.KillSwitch())
			return nil
		case "on":
			if err := state.SetKillSwitch(context.Background(), true); err != nil {
				return err
			}
			fmt.Println("kill switch engaged; automations are halted")
			return nil
		case "off":
			if err := state.SetKillSwitch(context.Background(), false); err != nil {
				return err
			}
			fmt.Println("kill switch released; automations resume")
			return nil
		default:
			return fmt.Errorf("unknown argument %q", args[0])
		}
	},
}

func init() {
	rootCmd.AddCommand(killswitchCmd)
}
