package cmd

import (
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/spf13/cobra"

	"db-carve/internal/dialect"
)

var seedRows int

// seedCmd provisions a small student-management monolith on the source
// connection, for demos and smoke tests. Tables reference each other with
// real foreign keys so the analyzer has something to discover.
var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create and fill a demo monolith on the source database",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadRunConfig()
		if err != nil {
			return err
		}
		db, d, err := openSource(cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		fmt.Printf("Seeding demo schema via %s (%d students)\n", cfg.Source.Driver, seedRows)

		for _, ddl := range demoDDL(d) {
			if _, err := db.Exec(ddl); err != nil {
				return fmt.Errorf("failed to create demo table: %w", err)
			}
		}

		teacherCount := seedRows/10 + 1
		courseCount := seedRows/5 + 1

		insert := func(table string, cols []string, rows [][]any) error {
			query := d.UpsertQuery(table, cols, "id")
			stmt, err := db.Prepare(query)
			if err != nil {
				return fmt.Errorf("failed to prepare insert for %s: %w", table, err)
			}
			defer stmt.Close()
			for _, row := range rows {
				if _, err := stmt.Exec(row...); err != nil {
					return fmt.Errorf("failed to insert into %s: %w", table, err)
				}
			}
			fmt.Printf("  %-16s : %d rows\n", table, len(rows))
			return nil
		}

		var rows [][]any
		for i := 1; i <= teacherCount; i++ {
			rows = append(rows, []any{int64(i), gofakeit.Name(), gofakeit.Email(), gofakeit.JobTitle()})
		}
		if err := insert("teachers", []string{"id", "name", "email", "department"}, rows); err != nil {
			return err
		}

		rows = nil
		for i := 1; i <= seedRows; i++ {
			rows = append(rows, []any{
				int64(i), gofakeit.Name(), gofakeit.Email(),
				gofakeit.DateRange(time.Date(1995, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2008, 1, 1, 0, 0, 0, 0, time.UTC)),
			})
		}
		if err := insert("students", []string{"id", "name", "email", "date_of_birth"}, rows); err != nil {
			return err
		}

		rows = nil
		for i := 1; i <= courseCount; i++ {
			rows = append(rows, []any{
				int64(i), gofakeit.BookTitle(), gofakeit.Number(1, 6),
				int64(gofakeit.Number(1, teacherCount)),
			})
		}
		if err := insert("courses", []string{"id", "title", "credits", "teacher_id"}, rows); err != nil {
			return err
		}

		rows = nil
		enrollmentCount := seedRows * 3
		for i := 1; i <= enrollmentCount; i++ {
			rows = append(rows, []any{
				int64(i), int64(gofakeit.Number(1, seedRows)), int64(gofakeit.Number(1, courseCount)),
				gofakeit.DateRange(time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC), time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC)),
			})
		}
		if err := insert("enrollments", []string{"id", "student_id", "course_id", "enrolled_at"}, rows); err != nil {
			return err
		}

		rows = nil
		for i := 1; i <= enrollmentCount; i++ {
			rows = append(rows, []any{
				int64(i), int64(i), gofakeit.Float64Range(0, 100), gofakeit.Sentence(6),
			})
		}
		if err := insert("grades", []string{"id", "enrollment_id", "score", "remarks"}, rows); err != nil {
			return err
		}

		rows = nil
		attendanceCount := seedRows * 5
		for i := 1; i <= attendanceCount; i++ {
			rows = append(rows, []any{
				int64(i), int64(gofakeit.Number(1, seedRows)), int64(gofakeit.Number(1, courseCount)),
				gofakeit.DateRange(time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC), time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC)),
				gofakeit.Bool(),
			})
		}
		if err := insert("attendance", []string{"id", "student_id", "course_id", "class_date", "present"}, rows); err != nil {
			return err
		}

		fmt.Println("Demo monolith ready.")
		return nil
	},
}

// demoDDL renders the demo schema in the source engine's native types.
// Foreign keys go in as table-level clauses, which all supported engines
// accept inside CREATE TABLE.
func demoDDL(d dialect.Dialect) []string {
	q := d.QuoteIdent
	fk := func(col, ref string) string {
		return fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s (%s)", q(col), q(ref), q("id"))
	}
	intCol := func(name string) string { return q(name) + " BIGINT NOT NULL" }
	textCol := func(name string) string { return q(name) + " VARCHAR(255)" }

	return []string{
		d.CreateTableQuery("teachers", []string{
			intCol("id"), textCol("name"), textCol("email"), textCol("department"),
		}, []string{"id"}),
		d.CreateTableQuery("students", []string{
			intCol("id"), textCol("name"), textCol("email"), q("date_of_birth") + " DATE",
		}, []string{"id"}),
		d.CreateTableQuery("courses", []string{
			intCol("id"), textCol("title"), intCol("credits"), intCol("teacher_id"),
			fk("teacher_id", "teachers"),
		}, []string{"id"}),
		d.CreateTableQuery("enrollments", []string{
			intCol("id"), intCol("student_id"), intCol("course_id"), q("enrolled_at") + " TIMESTAMP",
			fk("student_id", "students"), fk("course_id", "courses"),
		}, []string{"id"}),
		d.CreateTableQuery("grades", []string{
			intCol("id"), intCol("enrollment_id"), q("score") + " DOUBLE PRECISION", textCol("remarks"),
			fk("enrollment_id", "enrollments"),
		}, []string{"id"}),
		d.CreateTableQuery("attendance", []string{
			intCol("id"), intCol("student_id"), intCol("course_id"),
			q("class_date") + " DATE", q("present") + " BOOLEAN",
			fk("student_id", "students"), fk("course_id", "courses"),
		}, []string{"id"}),
	}
}

func init() {
	rootCmd.AddCommand(seedCmd)
	seedCmd.Flags().IntVar(&seedRows, "rows", 50, "Number of students to generate (other tables scale from this)")
}
