package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rosterd/rosterd/internal/config"
	"github.com/rosterd/rosterd/internal/outbox"
	"github.com/rosterd/rosterd/internal/replica"
	"github.com/rosterd/rosterd/internal/roster"
	"github.com/rosterd/rosterd/internal/store"
)

// openService opens the local replica for CRUD commands.
func openService(ctx context.Context, cfg *config.Config) (*store.DB, *replica.Service, error) {
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Migrate(ctx, store.ClientSchema); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return db, replica.New(db, outbox.New(db, nil)), nil
}

var (
	personName  string
	personEmail string
	personRole  string
)

var addPersonCmd = &cobra.Command{
	Use:   "add-person [id]",
	Short: "Add or update a person locally",
	Long: `Write a person to the local replica and queue the change for the
next sync. Omitting the id creates a new person.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		db, svc, err := openService(cmd.Context(), cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()

		id := uuid.New().String()
		if len(args) > 0 {
			id = args[0]
		}

		p := &roster.Person{ID: id, Name: personName, Email: personEmail, Role: personRole}
		if err := svc.SavePerson(cmd.Context(), p); err != nil {
			fmt.Fprintf(os.Stderr, "Error saving person: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Saved person %s (queued for sync)\n", id)
	},
}

var (
	eventTitle    string
	eventLocation string
	eventStartsMs int64
	eventEndsMs   int64
)

var addEventCmd = &cobra.Command{
	Use:   "add-event [id]",
	Short: "Add or update an event locally",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		db, svc, err := openService(cmd.Context(), cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()

		id := uuid.New().String()
		if len(args) > 0 {
			id = args[0]
		}

		e := &roster.Event{
			ID:         id,
			Title:      eventTitle,
			Location:   eventLocation,
			StartsAtMs: eventStartsMs,
			EndsAtMs:   eventEndsMs,
		}
		if err := svc.SaveEvent(cmd.Context(), e); err != nil {
			fmt.Fprintf(os.Stderr, "Error saving event: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Saved event %s (queued for sync)\n", id)
	},
}

var (
	rsvpStatus string
	rsvpNote   string
)

var rsvpCmd = &cobra.Command{
	Use:   "rsvp <event-id> <person-id>",
	Short: "Record a person's attendance for an event",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		db, svc, err := openService(cmd.Context(), cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()

		eventID, personID := args[0], args[1]
		a := &roster.Attendance{
			// Deterministic id: one attendance row per (event, person).
			ID:       eventID + ":" + personID,
			EventID:  eventID,
			PersonID: personID,
			Status:   rsvpStatus,
			Note:     rsvpNote,
		}
		if err := svc.SaveAttendance(cmd.Context(), a); err != nil {
			fmt.Fprintf(os.Stderr, "Error saving attendance: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Recorded %s for %s at %s (queued for sync)\n", rsvpStatus, personID, eventID)
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <person|event|attendance> <id>",
	Short: "Delete an entity locally (tombstone)",
	Long: `Mark an entity deleted. The row is kept as a tombstone so other
replicas converge on the deletion instead of reviving the record.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		db, svc, err := openService(cmd.Context(), cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()

		kind, id := args[0], args[1]
		switch kind {
		case "person":
			err = svc.DeletePerson(cmd.Context(), id)
		case "event":
			err = svc.DeleteEvent(cmd.Context(), id)
		case "attendance":
			err = svc.DeleteAttendance(cmd.Context(), id)
		default:
			fmt.Fprintf(os.Stderr, "Error: unknown entity kind %q\n", kind)
			os.Exit(1)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error deleting %s: %v\n", kind, err)
			os.Exit(1)
		}
		fmt.Printf("Deleted %s %s (queued for sync)\n", kind, id)
	},
}

var listEventID string

var listCmd = &cobra.Command{
	Use:   "list <people|events|attendance>",
	Short: "List local entities",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		db, svc, err := openService(cmd.Context(), cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()

		switch args[0] {
		case "people":
			people, err := svc.ListPeople(cmd.Context(), false)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			for _, p := range people {
				fmt.Printf("%s  %s  %s  %s\n", p.ID, p.Name, p.Email, p.Role)
			}
		case "events":
			events, err := svc.ListEvents(cmd.Context(), false)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			for _, e := range events {
				fmt.Printf("%s  %s  %s  %s\n", e.ID, e.Title, e.Location, formatMs(e.StartsAtMs))
			}
		case "attendance":
			if listEventID == "" {
				fmt.Fprintf(os.Stderr, "Error: --event is required for attendance\n")
				os.Exit(1)
			}
			records, err := svc.ListAttendance(cmd.Context(), listEventID)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			for _, a := range records {
				fmt.Printf("%s  %s  %s\n", a.PersonID, a.Status, a.Note)
			}
		default:
			fmt.Fprintf(os.Stderr, "Error: unknown entity kind %q\n", args[0])
			os.Exit(1)
		}
	},
}

func init() {
	addPersonCmd.Flags().StringVar(&personName, "name", "", "person name")
	addPersonCmd.Flags().StringVar(&personEmail, "email", "", "email address")
	addPersonCmd.Flags().StringVar(&personRole, "role", "", "role, e.g. member or organizer")
	_ = addPersonCmd.MarkFlagRequired("name")

	addEventCmd.Flags().StringVar(&eventTitle, "title", "", "event title")
	addEventCmd.Flags().StringVar(&eventLocation, "location", "", "event location")
	addEventCmd.Flags().Int64Var(&eventStartsMs, "starts-at-ms", 0, "start time (unix ms)")
	addEventCmd.Flags().Int64Var(&eventEndsMs, "ends-at-ms", 0, "end time (unix ms)")
	_ = addEventCmd.MarkFlagRequired("title")

	rsvpCmd.Flags().StringVar(&rsvpStatus, "status", "going", "going, declined, tentative, attended, absent")
	rsvpCmd.Flags().StringVar(&rsvpNote, "note", "", "optional note")

	listCmd.Flags().StringVar(&listEventID, "event", "", "event id (attendance listing)")

	rootCmd.AddCommand(addPersonCmd)
	rootCmd.AddCommand(addEventCmd)
	rootCmd.AddCommand(rsvpCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(listCmd)
}
