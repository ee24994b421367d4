package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/sleepset/internal/config"
	"github.com/sleepset/internal/db"
	"github.com/sleepset/internal/model"
	"github.com/sleepset/internal/service"
)

// 测试数据生成器：写入若干天的睡眠记录，宠物随记录一起成长
func main() {
	var (
		days int
		randSeed int64
		end  string
	)
	flag.IntVar(&days, "days", 21, "number of nights to generate")
	flag.Int64Var(&randSeed, "seed", 1, "random seed")
	flag.StringVar(&end, "end", time.Now().Format(model.DateLayout), "last night (YYYY-MM-DD)")
	flag.Parse()

	last, err := time.Parse(model.DateLayout, end)
	if err != nil {
		log.Fatal("日期格式错误:", err)
	}

	cfg := config.Load()
	if err := db.Init(cfg.DatabasePath); err != nil {
		log.Fatal("数据库初始化失败:", err)
	}
	defer db.Close(db.DB)

	fmt.Println("开始生成测试数据...")
	records := buildRecords(last, days, rand.New(rand.NewSource(randSeed)))
	data, err := seed(service.NewSleepService(db.DB, service.NewPetService(db.DB)), records)
	if err != nil {
		log.Fatal("写入睡眠记录失败:", err)
	}

	fmt.Println("测试数据生成完成！")
	fmt.Printf("记录: %d 晚，平均睡眠 %.1f 小时，平均质量 %.1f\n",
		len(data.Records), data.Statistics.AverageSleepDuration, data.Statistics.AverageQuality)
}

var notes = []string{
	"",
	"よく眠れた",
	"夜中に一度目が覚めた",
	"寝る前に**スマホ**を見すぎた",
	"カフェインを控えた",
}

// buildRecords 生成截至 last 的 days 晚记录。工作日偏晚睡，周末多睡。
func buildRecords(last time.Time, days int, rng *rand.Rand) []model.Record {
	records := make([]model.Record, 0, days)
	stamp := time.Now().UTC()
	for i := days - 1; i >= 0; i-- {
		day := last.AddDate(0, 0, -i)
		bed := 22*60 + 30 + rng.Intn(150) // 22:30 到 01:00
		sleep := 6*60 + rng.Intn(150)
		if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
			sleep += 60
		}
		wake := (bed + sleep) % (24 * 60)
		quality := 2 + rng.Intn(4)
		if sleep < 7*60 && quality > 3 {
			quality--
		}
		records = append(records, model.Record{
			Date:         day.Format(model.DateLayout),
			Bedtime:      clock(bed % (24 * 60)),
			WakeTime:     clock(wake),
			SleepQuality: quality,
			Notes:        notes[rng.Intn(len(notes))],
			UpdatedAt:    stamp,
			UpdatedBy:    "seed",
		})
	}
	return records
}

func seed(svc *service.SleepService, records []model.Record) (model.SleepData, error) {
	var (
		data model.SleepData
		err  error
	)
	for _, rec := range records {
		if data, err = svc.SaveRecord(rec); err != nil {
			return model.SleepData{}, fmt.Errorf("%s: %w", rec.Date, err)
		}
	}
	return data, nil
}

func clock(minutes int) string {
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}
